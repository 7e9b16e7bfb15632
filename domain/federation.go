package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowRejected FollowStatus = "rejected"
)

// Follow is a directed edge, at most one per (follower, followed) pair
type Follow struct {
	Id          uuid.UUID
	FollowerURL string
	FollowedURL string
	Status      FollowStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Friendship exists while both directions of a follow are accepted.
// AuthorA always sorts before AuthorB.
type Friendship struct {
	Id        uuid.UUID
	AuthorA   string
	AuthorB   string
	CreatedAt time.Time
}

// FriendshipPair orders two author URLs the way friendships are stored
func FriendshipPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Other returns the friend of authorURL in this friendship
func (f *Friendship) Other(authorURL string) string {
	if f.AuthorA == authorURL {
		return f.AuthorB
	}
	return f.AuthorA
}

type ActivityKind string

const (
	KindEntry   ActivityKind = "entry"
	KindUpdate  ActivityKind = "update"
	KindDelete  ActivityKind = "delete"
	KindComment ActivityKind = "comment"
	KindLike    ActivityKind = "like"
	KindFollow  ActivityKind = "follow"
	KindAccept  ActivityKind = "accept"
	KindReject  ActivityKind = "reject"
)

func ParseActivityKind(s string) (ActivityKind, bool) {
	k := ActivityKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindEntry, KindUpdate, KindDelete, KindComment, KindLike, KindFollow, KindAccept, KindReject:
		return k, true
	case "post":
		return KindEntry, true
	}
	return "", false
}

type ObjectKind string

const (
	ObjectEntry   ObjectKind = "entry"
	ObjectComment ObjectKind = "comment"
	ObjectLike    ObjectKind = "like"
	ObjectFollow  ObjectKind = "follow"
)

// ObjectRef points at the local row an inbox item was materialised into
type ObjectRef struct {
	Kind ObjectKind
	Id   uuid.UUID
	URL  string // empty for follows
}

// InboxItem is an append-only record of an activity received by a local author.
// (RecipientURL, Kind, Ref.Kind, Ref.Id) is unique.
type InboxItem struct {
	Id           uuid.UUID
	RecipientURL string
	Kind         ActivityKind
	Ref          ObjectRef
	Payload      string // raw activity JSON as received
	IsRead       bool
	ReceivedAt   time.Time
}

type InboxFilter struct {
	Kind       ActivityKind // empty for all kinds
	UnreadOnly bool
	Page       int // 1-based
	Size       int
}

type InboxStats struct {
	Total  int
	Unread int
	ByKind map[ActivityKind]int
}

// DeliveryRecord marks a successful push of an entry. RecipientURL is empty
// for the node-wide broadcast inbox.
type DeliveryRecord struct {
	Id           uuid.UUID
	EntryURL     string
	NodeId       uuid.UUID
	RecipientURL string
	DeliveredAt  time.Time
}

// SyncRun is the outcome of one pull from a peer node
type SyncRun struct {
	Id             uuid.UUID
	NodeId         uuid.UUID
	StartedAt      time.Time
	FinishedAt     time.Time
	AuthorsCreated int
	AuthorsUpdated int
	EntriesCreated int
	EntriesUpdated int
	Error          string
}
