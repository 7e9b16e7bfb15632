package federation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Inbox is the per-author log of received activities. Items are never
// deleted; the only state change is unread to read.
type Inbox struct {
	db *db.DB
}

func NewInbox(database *db.DB) *Inbox {
	return &Inbox{db: database}
}

// Deliver records an activity for recipientURL. Delivering the same
// (recipient, kind, object) twice returns the existing item with created=false.
func (i *Inbox) Deliver(ctx context.Context, recipientURL string, kind domain.ActivityKind, raw []byte, ref domain.ObjectRef) (*domain.InboxItem, bool, error) {
	item, created, err := i.db.InsertInboxItem(ctx, &domain.InboxItem{
		RecipientURL: recipientURL,
		Kind:         kind,
		Ref:          ref,
		Payload:      string(raw),
	})
	if err != nil {
		return nil, false, fmt.Errorf("deliver %s to %s: %w", kind, recipientURL, err)
	}
	if created {
		log.Printf("Inbox: New %s for %s (%s %s)", kind, recipientURL, ref.Kind, ref.Id)
	}
	return item, created, nil
}

func (i *Inbox) List(ctx context.Context, recipientURL string, filter domain.InboxFilter) ([]domain.InboxItem, error) {
	return i.db.ReadInboxItems(ctx, recipientURL, filter)
}

// Get returns one item of recipientURL's inbox. Items of other authors
// are reported as not found.
func (i *Inbox) Get(ctx context.Context, recipientURL string, id uuid.UUID) (*domain.InboxItem, error) {
	item, err := i.db.ReadInboxItemById(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.RecipientURL != recipientURL {
		return nil, db.ErrNotFound
	}
	return item, nil
}

func (i *Inbox) MarkRead(ctx context.Context, recipientURL string, ids ...uuid.UUID) (int, error) {
	return i.db.MarkInboxItemsRead(ctx, recipientURL, ids)
}

func (i *Inbox) Stats(ctx context.Context, recipientURL string) (*domain.InboxStats, error) {
	return i.db.ReadInboxStats(ctx, recipientURL)
}

// markFollowRead closes the follow notification of the followed author
func (i *Inbox) markFollowRead(ctx context.Context, follow *domain.Follow) error {
	item, err := i.db.ReadInboxItemByRef(ctx, follow.FollowedURL, domain.ObjectRef{Kind: domain.ObjectFollow, Id: follow.Id})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = i.MarkRead(ctx, follow.FollowedURL, item.Id)
	return err
}

// InboxObject is the object an inbox item refers to. Exactly one field is set.
type InboxObject struct {
	Entry   *domain.Entry
	Comment *domain.Comment
	Like    *domain.Like
	Follow  *domain.Follow
}

// Object loads the row an item points at, selected by the item's reference kind.
func (i *Inbox) Object(ctx context.Context, item *domain.InboxItem) (*InboxObject, error) {
	var err error
	obj := &InboxObject{}
	switch item.Ref.Kind {
	case domain.ObjectEntry:
		obj.Entry, err = i.db.ReadEntryById(ctx, item.Ref.Id)
	case domain.ObjectComment:
		obj.Comment, err = i.db.ReadCommentById(ctx, item.Ref.Id)
	case domain.ObjectLike:
		obj.Like, err = i.db.ReadLikeById(ctx, item.Ref.Id)
	case domain.ObjectFollow:
		obj.Follow, err = i.db.ReadFollowById(ctx, item.Ref.Id)
	default:
		return nil, fmt.Errorf("inbox item %s: unknown object kind %q", item.Id, item.Ref.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox item %s: %w", item.Id, err)
	}
	return obj, nil
}

// Describe renders the object on one line
func (o *InboxObject) Describe() string {
	switch {
	case o.Entry != nil:
		return fmt.Sprintf("entry %q by %s [%s]", o.Entry.Title, o.Entry.AuthorURL, o.Entry.Visibility)
	case o.Comment != nil:
		return fmt.Sprintf("comment by %s on %s", o.Comment.AuthorURL, o.Comment.EntryURL)
	case o.Like != nil:
		return fmt.Sprintf("%s liked %s", o.Like.AuthorURL, o.Like.ObjectURL)
	case o.Follow != nil:
		return fmt.Sprintf("follow %s -> %s (%s)", o.Follow.FollowerURL, o.Follow.FollowedURL, o.Follow.Status)
	}
	return ""
}
