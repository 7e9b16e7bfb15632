package federation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/google/uuid"
)

// Result describes what an inbound activity did to local state.
type Result struct {
	Kind      domain.ActivityKind
	Recipient string // empty when nobody was notified
	Ref       domain.ObjectRef
	Created   bool // the referenced object is new
	Notified  bool // a new inbox item was written
}

// Processor applies activities received from peers.
type Processor struct {
	db       *db.DB
	resolver *Resolver
	inbox    *Inbox
}

func NewProcessor(database *db.DB, resolver *Resolver, inbox *Inbox) *Processor {
	return &Processor{db: database, resolver: resolver, inbox: inbox}
}

// Process interprets payload sent by source. recipientURL is the local
// author whose inbox was addressed, or empty for the node-wide inbox, in
// which case the recipient is inferred from the activity.
func (p *Processor) Process(ctx context.Context, recipientURL string, payload []byte, source *domain.Node) (*Result, error) {
	act, err := decodeActivity(payload)
	if err != nil {
		activitiesProcessed.WithLabelValues("unknown", outcomeRejected).Inc()
		return nil, err
	}
	kind, ok := domain.ParseActivityKind(act.Type)
	if !ok {
		activitiesProcessed.WithLabelValues("unknown", outcomeRejected).Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, act.Type)
	}
	if act.Who() == nil {
		activitiesProcessed.WithLabelValues(string(kind), outcomeRejected).Inc()
		return nil, malformed("%s without actor", kind)
	}

	var res *Result
	switch kind {
	case domain.KindEntry, domain.KindUpdate:
		res, err = p.processEntry(ctx, kind, recipientURL, act, payload, source)
	case domain.KindDelete:
		res, err = p.processDelete(ctx, act, source)
	case domain.KindComment:
		res, err = p.processComment(ctx, recipientURL, act, payload, source)
	case domain.KindLike:
		res, err = p.processLike(ctx, recipientURL, act, payload, source)
	case domain.KindFollow:
		res, err = p.processFollow(ctx, recipientURL, act, payload, source)
	case domain.KindAccept, domain.KindReject:
		res, err = p.processResponse(ctx, kind, recipientURL, act, payload, source)
	}
	if err != nil {
		log.Printf("Processor: %s from %s rejected: %v", kind, nodeName(source), err)
		activitiesProcessed.WithLabelValues(string(kind), outcomeRejected).Inc()
		return nil, err
	}

	outcome := outcomeOK
	if !res.Created && !res.Notified {
		outcome = outcomeDuplicate
	}
	activitiesProcessed.WithLabelValues(string(kind), outcome).Inc()
	log.Printf("Processor: %s from %s applied (%s %s, created=%t, notified=%t)", kind, nodeName(source), res.Ref.Kind, res.Ref.Id, res.Created, res.Notified)
	return res, nil
}

// processEntry upserts the entry. Public entries are discovery content and
// never produce an inbox item; every other visibility notifies the recipient.
func (p *Processor) processEntry(ctx context.Context, kind domain.ActivityKind, recipientURL string, act *Activity, raw []byte, source *domain.Node) (*Result, error) {
	if err := p.rejectLocalActor(act.Who()); err != nil {
		return nil, err
	}
	entry, created, err := p.resolver.upsertEntry(ctx, source, act)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:    kind,
		Ref:     domain.ObjectRef{Kind: domain.ObjectEntry, Id: entry.Id, URL: entry.URL},
		Created: created,
	}
	if entry.Visibility == domain.VisibilityPublic || recipientURL == "" {
		return res, nil
	}
	if err := p.notify(ctx, res, recipientURL, raw); err != nil {
		return nil, err
	}
	return res, nil
}

// processDelete soft-deletes an entry on behalf of its author
func (p *Processor) processDelete(ctx context.Context, act *Activity, source *domain.Node) (*Result, error) {
	who := act.Who()
	if err := p.rejectLocalActor(who); err != nil {
		return nil, err
	}
	target := act.ID
	if target == "" {
		target = act.ObjectURL()
	}
	if target == "" {
		return nil, malformed("delete without id")
	}
	t, err := p.resolver.ResolveEntryOrComment(ctx, target)
	if err != nil {
		return nil, err
	}
	if t.Entry == nil {
		return nil, fmt.Errorf("%w: %s is not an entry", ErrUnresolvedTarget, target)
	}
	if _, _, err := p.resolver.UpsertFromSummary(ctx, source, *who); err != nil {
		return nil, err
	}
	if !util.SameURL(t.Entry.AuthorURL, who.ID) {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, t.Entry.URL)
	}
	res := &Result{
		Kind: domain.KindDelete,
		Ref:  domain.ObjectRef{Kind: domain.ObjectEntry, Id: t.Entry.Id, URL: t.Entry.URL},
	}
	if t.Entry.Visibility == domain.VisibilityDeleted {
		return res, nil
	}
	if err := p.db.UpdateEntryVisibility(ctx, t.Entry.Id, domain.VisibilityDeleted); err != nil {
		return nil, err
	}
	res.Created = true
	return res, nil
}

// processComment stores a comment on an entry this node already has.
// A missing entry fails the activity without creating anything, so the
// sender can retry once the entry has arrived.
func (p *Processor) processComment(ctx context.Context, recipientURL string, act *Activity, raw []byte, source *domain.Node) (*Result, error) {
	who := act.Who()
	if err := p.rejectLocalActor(who); err != nil {
		return nil, err
	}
	targetURL := act.Entry
	if targetURL == "" {
		targetURL = act.ObjectURL()
	}
	if targetURL == "" {
		return nil, malformed("comment without entry")
	}
	t, err := p.resolver.ResolveEntryOrComment(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	if t.Entry == nil {
		return nil, fmt.Errorf("%w: %s is not an entry", ErrUnresolvedTarget, targetURL)
	}
	recipientURL, err = p.recipient(ctx, recipientURL, t.Entry.AuthorURL)
	if err != nil {
		return nil, err
	}
	author, _, err := p.resolver.UpsertFromSummary(ctx, source, *who)
	if err != nil {
		return nil, err
	}

	commentURL := act.ID
	if commentURL == "" {
		// stable across retries of the same activity
		seed := author.URL + "|" + t.Entry.URL + "|" + act.Comment
		if act.Published != nil {
			seed += "|" + act.Published.UTC().String()
		}
		commentURL = util.JoinURL(author.URL, "commented", uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String())
	}
	if normalized, err := util.NormalizeURL(commentURL); err == nil {
		commentURL = normalized
	}
	comment := &domain.Comment{
		Id:          util.DeterministicID(commentURL),
		URL:         commentURL,
		AuthorURL:   author.URL,
		EntryURL:    t.Entry.URL,
		Content:     act.Comment,
		ContentType: act.ContentType,
	}
	if act.Published != nil {
		comment.PublishedAt = act.Published.UTC()
	}
	stored, created, err := p.db.GetOrCreateComment(ctx, comment)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:    domain.KindComment,
		Ref:     domain.ObjectRef{Kind: domain.ObjectComment, Id: stored.Id, URL: stored.URL},
		Created: created,
	}
	if err := p.notify(ctx, res, recipientURL, raw); err != nil {
		return nil, err
	}
	return res, nil
}

// processLike records one like per (author, target)
func (p *Processor) processLike(ctx context.Context, recipientURL string, act *Activity, raw []byte, source *domain.Node) (*Result, error) {
	who := act.Who()
	if err := p.rejectLocalActor(who); err != nil {
		return nil, err
	}
	targetURL := act.ObjectURL()
	if targetURL == "" {
		return nil, malformed("like without object")
	}
	t, err := p.resolver.ResolveEntryOrComment(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	recipientURL, err = p.recipient(ctx, recipientURL, t.OwnerURL())
	if err != nil {
		return nil, err
	}
	author, _, err := p.resolver.UpsertFromSummary(ctx, source, *who)
	if err != nil {
		return nil, err
	}

	likeURL := act.ID
	if likeURL == "" {
		likeURL = LikeURL(author.URL, uuid.NewSHA1(uuid.NameSpaceURL, []byte(author.URL+"|"+t.URL())))
	}
	if normalized, err := util.NormalizeURL(likeURL); err == nil {
		likeURL = normalized
	}
	like, created, err := p.db.GetOrCreateLike(ctx, &domain.Like{
		Id:         util.DeterministicID(likeURL),
		URL:        likeURL,
		AuthorURL:  author.URL,
		ObjectURL:  t.URL(),
		ObjectKind: t.Kind(),
	})
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:    domain.KindLike,
		Ref:     domain.ObjectRef{Kind: domain.ObjectLike, Id: like.Id, URL: like.URL},
		Created: created,
	}
	if err := p.notify(ctx, res, recipientURL, raw); err != nil {
		return nil, err
	}
	return res, nil
}

// processFollow records a pending follow. A follow that already exists keeps
// its status, so re-delivery never undoes an accept or reject.
func (p *Processor) processFollow(ctx context.Context, recipientURL string, act *Activity, raw []byte, source *domain.Node) (*Result, error) {
	who := act.Who()
	if err := p.rejectLocalActor(who); err != nil {
		return nil, err
	}
	followedURL := act.ObjectURL()
	if followedURL == "" {
		followedURL = recipientURL
	}
	if followedURL == "" {
		return nil, malformed("follow without object")
	}
	recipientURL, err := p.recipient(ctx, recipientURL, followedURL)
	if err != nil {
		return nil, err
	}
	follower, _, err := p.resolver.UpsertFromSummary(ctx, source, *who)
	if err != nil {
		return nil, err
	}

	follow, created, err := p.db.GetOrCreateFollow(ctx, follower.URL, recipientURL, domain.FollowPending)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:    domain.KindFollow,
		Ref:     domain.ObjectRef{Kind: domain.ObjectFollow, Id: follow.Id},
		Created: created,
	}
	if err := p.notify(ctx, res, recipientURL, raw); err != nil {
		return nil, err
	}
	return res, nil
}

// processResponse applies an accept or reject to a follow one of our
// authors sent to an author of the sending node. Peers disagree on which
// side is the actor, so the local side is taken as the follower either way.
// Follows addressed to our authors only change through RespondToFollow.
func (p *Processor) processResponse(ctx context.Context, kind domain.ActivityKind, recipientURL string, act *Activity, raw []byte, source *domain.Node) (*Result, error) {
	who := act.Who()
	counterpart := act.ObjectURL()
	if counterpart == "" {
		if recipientURL == "" {
			return nil, malformed("%s without object", kind)
		}
		counterpart = recipientURL
	}

	followerURL, followedURL, remote := counterpart, who.ID, who
	if p.resolver.IsLocalURL(who.ID) {
		followerURL, followedURL, remote = who.ID, counterpart, nil
		if act.Object != nil && act.Object.Author != nil && util.SameURL(act.Object.Author.ID, counterpart) {
			remote = act.Object.Author
		}
	}
	if !p.resolver.IsLocalURL(followerURL) || p.resolver.IsLocalURL(followedURL) {
		return nil, fmt.Errorf("%w: %s must answer a follow sent from this node", ErrUnknownFollow, kind)
	}

	follower, err := p.recipient(ctx, "", followerURL)
	if err != nil {
		return nil, err
	}
	if recipientURL != "" && !util.SameURL(recipientURL, follower) {
		return nil, fmt.Errorf("%w: %s was sent to %s", ErrUnknownFollow, kind, recipientURL)
	}
	followed, err := p.followedAuthor(ctx, source, followedURL, remote)
	if err != nil {
		return nil, err
	}
	follow, err := p.db.ReadFollow(ctx, follower, followed.URL)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownFollow, follower, followed.URL)
	}
	if err != nil {
		return nil, err
	}

	status := domain.FollowAccepted
	if kind == domain.KindReject {
		status = domain.FollowRejected
	}
	updated, changed, err := p.db.UpdateFollowStatus(ctx, follow.Id, status)
	if err != nil {
		return nil, err
	}
	if _, err := recomputeFriendship(ctx, p.db, updated.FollowerURL, updated.FollowedURL); err != nil {
		return nil, err
	}

	res := &Result{
		Kind:    kind,
		Ref:     domain.ObjectRef{Kind: domain.ObjectFollow, Id: updated.Id},
		Created: changed,
	}
	if err := p.notify(ctx, res, follower, raw); err != nil {
		return nil, err
	}
	return res, nil
}

// followedAuthor finds the remote side of an answered follow and checks that
// source owns it. summary, when the activity carried one, refreshes the cache.
func (p *Processor) followedAuthor(ctx context.Context, source *domain.Node, url string, summary *AuthorSummary) (*domain.Author, error) {
	var author *domain.Author
	var err error
	if summary != nil {
		author, _, err = p.resolver.UpsertFromSummary(ctx, source, *summary)
	} else {
		author, err = p.resolver.lookupAuthor(ctx, url)
		if errors.Is(err, db.ErrNotFound) {
			err = fmt.Errorf("%w: %s was never followed", ErrUnknownFollow, url)
		}
	}
	if err != nil {
		return nil, err
	}
	if source != nil && (author.NodeId == nil || *author.NodeId != source.Id) {
		return nil, fmt.Errorf("%w: node %s cannot answer for %s", ErrNotOwner, source.Name, author.URL)
	}
	return author, nil
}

// recipient settles who is notified: the addressed author when the activity
// came through an author inbox, otherwise the inferred owner. Either way it
// must be a local author.
func (p *Processor) recipient(ctx context.Context, addressed, inferred string) (string, error) {
	url := addressed
	if url == "" {
		url = inferred
	}
	author, err := p.resolver.LocalAuthor(ctx, url)
	if err != nil {
		if errors.Is(err, ErrNotLocal) {
			return "", fmt.Errorf("%w: %s", ErrNoRecipient, url)
		}
		return "", err
	}
	return author.URL, nil
}

func (p *Processor) notify(ctx context.Context, res *Result, recipientURL string, raw []byte) error {
	_, created, err := p.inbox.Deliver(ctx, recipientURL, res.Kind, raw, res.Ref)
	if err != nil {
		return err
	}
	res.Recipient = recipientURL
	res.Notified = created
	return nil
}

// rejectLocalActor refuses activities in which a peer speaks for one of our authors
func (p *Processor) rejectLocalActor(who *AuthorSummary) error {
	if p.resolver.IsLocalURL(who.ID) {
		return fmt.Errorf("%w: actor %s belongs to this node", ErrNotOwner, who.ID)
	}
	return nil
}

func nodeName(node *domain.Node) string {
	if node == nil {
		return "local"
	}
	return node.Name
}
