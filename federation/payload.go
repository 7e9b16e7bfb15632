package federation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/google/uuid"
)

// AuthorSummary is how authors travel between nodes. ID is the author URL.
type AuthorSummary struct {
	Type         string `json:"type,omitempty"`
	ID           string `json:"id"`
	Host         string `json:"host,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	Github       string `json:"github,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
	Web          string `json:"web,omitempty"`
}

// UnmarshalJSON also accepts a bare author URL
func (s *AuthorSummary) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &s.ID)
	}
	type plain AuthorSummary
	return json.Unmarshal(b, (*plain)(s))
}

// Object is the "object" field of likes and follow activities: either a
// target URL or a full author summary.
type Object struct {
	URL    string
	Author *AuthorSummary
}

func (o Object) MarshalJSON() ([]byte, error) {
	if o.Author != nil {
		return json.Marshal(o.Author)
	}
	return json.Marshal(o.URL)
}

func (o *Object) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &o.URL)
	}
	var s AuthorSummary
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.URL = s.ID
	o.Author = &s
	return nil
}

// Activity is the union of every message kind exchanged between nodes.
type Activity struct {
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	Actor       *AuthorSummary `json:"actor,omitempty"`
	Author      *AuthorSummary `json:"author,omitempty"`
	Object      *Object        `json:"object,omitempty"`
	Entry       string         `json:"entry,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Visibility  string         `json:"visibility,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Published   *time.Time     `json:"published,omitempty"`
	Updated     *time.Time     `json:"updated,omitempty"`
}

// Who returns the author sub-object, whichever key the peer used
func (a *Activity) Who() *AuthorSummary {
	if a.Actor != nil && a.Actor.ID != "" {
		return a.Actor
	}
	if a.Author != nil && a.Author.ID != "" {
		return a.Author
	}
	return nil
}

func (a *Activity) ObjectURL() string {
	if a.Object == nil {
		return ""
	}
	return a.Object.URL
}

func decodeActivity(raw []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	return &a, nil
}

// Listing is the paged response of the author and entry collections
type Listing struct {
	Type  string `json:"type"`
	Page  int    `json:"page"`
	Size  int    `json:"size"`
	Items any    `json:"items"`
}

// decodeListing accepts a bare array or an object carrying the items under
// items, authors, entries or results.
func decodeListing(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	for _, key := range []string{"items", "authors", "entries", "results"} {
		if raw, ok := wrapped[key]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("listing key %s: %w", key, err)
			}
			return items, nil
		}
	}
	return nil, nil
}

// SummaryOf renders an author the way peers expect it
func SummaryOf(author *domain.Author) AuthorSummary {
	return AuthorSummary{
		Type:         "author",
		ID:           author.URL,
		Host:         author.Host,
		DisplayName:  author.DisplayName,
		Github:       author.Github,
		ProfileImage: author.ProfileImage,
		Web:          author.Web,
	}
}

func EntryActivity(kind domain.ActivityKind, entry *domain.Entry, author *domain.Author) *Activity {
	summary := SummaryOf(author)
	a := &Activity{
		Type:   string(kind),
		ID:     entry.URL,
		Author: &summary,
	}
	if kind == domain.KindDelete {
		return a
	}
	published, updated := entry.PublishedAt, entry.UpdatedAt
	a.Title = entry.Title
	a.Description = entry.Description
	a.Content = entry.Content
	a.ContentType = entry.ContentType
	a.Visibility = string(entry.Visibility)
	a.Published = &published
	a.Updated = &updated
	return a
}

func CommentActivity(comment *domain.Comment, author *domain.Author) *Activity {
	summary := SummaryOf(author)
	published := comment.PublishedAt
	return &Activity{
		Type:        string(domain.KindComment),
		ID:          comment.URL,
		Author:      &summary,
		Entry:       comment.EntryURL,
		Comment:     comment.Content,
		ContentType: comment.ContentType,
		Published:   &published,
	}
}

func LikeActivity(like *domain.Like, author *domain.Author) *Activity {
	summary := SummaryOf(author)
	return &Activity{
		Type:   string(domain.KindLike),
		ID:     like.URL,
		Author: &summary,
		Object: &Object{URL: like.ObjectURL},
	}
}

// FollowActivity builds follow, accept and reject messages. All three carry
// the follower as actor and the followed author as object.
func FollowActivity(kind domain.ActivityKind, follower, followed *domain.Author) *Activity {
	actor := SummaryOf(follower)
	object := SummaryOf(followed)
	a := &Activity{
		Type:   string(kind),
		Actor:  &actor,
		Object: &Object{URL: followed.URL, Author: &object},
	}
	switch kind {
	case domain.KindFollow:
		a.Summary = fmt.Sprintf("%s wants to follow %s", displayName(follower), displayName(followed))
	case domain.KindAccept:
		a.Summary = fmt.Sprintf("%s accepted the follow request of %s", displayName(followed), displayName(follower))
	case domain.KindReject:
		a.Summary = fmt.Sprintf("%s rejected the follow request of %s", displayName(followed), displayName(follower))
	}
	return a
}

func displayName(a *domain.Author) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.URL
}

// Local identifiers

func AuthorURL(publicURL string, id uuid.UUID) string {
	return util.JoinURL(publicURL, "authors", id.String())
}

func EntryURL(authorURL string, id uuid.UUID) string {
	return util.JoinURL(authorURL, "entries", id.String())
}

func CommentURL(entryURL string, id uuid.UUID) string {
	return util.JoinURL(entryURL, "comments", id.String())
}

func LikeURL(authorURL string, id uuid.UUID) string {
	return util.JoinURL(authorURL, "liked", id.String())
}

// inboxPath is the targeted inbox of an author on its own node. Peers key
// authors by the id in their own URL, never by our row id.
func inboxPath(authorURL string) string {
	return "/authors/" + util.TrailingID(authorURL) + "/inbox"
}

const broadcastInboxPath = "/inbox"
