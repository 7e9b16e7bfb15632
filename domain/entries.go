package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityFriends  Visibility = "friends-only"
	VisibilityDeleted  Visibility = "deleted"
)

// ParseVisibility accepts the spellings peers are known to send.
func ParseVisibility(s string) (Visibility, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "":
		return VisibilityPublic, true
	case "unlisted":
		return VisibilityUnlisted, true
	case "friends", "friends-only", "friends_only", "friendsonly":
		return VisibilityFriends, true
	case "deleted":
		return VisibilityDeleted, true
	}
	return "", false
}

// Entry is a post. Deleted entries keep their row, only the visibility changes.
type Entry struct {
	Id          uuid.UUID
	URL         string
	AuthorURL   string
	Title       string
	Description string
	Content     string
	ContentType string
	Visibility  Visibility
	PublishedAt time.Time
	UpdatedAt   time.Time
	CreatedAt   time.Time
}

func (e *Entry) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tURL: %s \n\tAuthor: %s \n\tVisibility: %s \n\tCREATED_AT: %s", e.Id, e.URL, e.AuthorURL, e.Visibility, e.CreatedAt)
}

type Comment struct {
	Id          uuid.UUID
	URL         string
	AuthorURL   string
	EntryURL    string
	Content     string
	ContentType string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// Like targets exactly one entry or comment.
type Like struct {
	Id         uuid.UUID
	URL        string
	AuthorURL  string
	ObjectURL  string
	ObjectKind ObjectKind
	CreatedAt  time.Time
}
