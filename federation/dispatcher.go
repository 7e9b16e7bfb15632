package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DeliveryResult is the outcome of one push to one peer inbox
type DeliveryResult struct {
	Node      string
	Recipient string // empty for the broadcast inbox
	Success   bool
	Self      bool  // skipped, the node is this process
	Local     bool  // delivered straight into a local inbox
	Err       error // set when Success is false
}

// DeliveryReport collects the results of one fan-out. Failures are data,
// never errors of the operation itself.
type DeliveryReport struct {
	Results []DeliveryResult
}

// ByNode folds the results into one verdict per node: a node succeeded when
// every push to it did.
func (r *DeliveryReport) ByNode() map[string]bool {
	byNode := make(map[string]bool)
	for _, res := range r.Results {
		if res.Local {
			continue
		}
		ok, seen := byNode[res.Node]
		byNode[res.Node] = res.Success && (ok || !seen)
	}
	return byNode
}

func (r *DeliveryReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

type target struct {
	node      domain.Node
	recipient string
}

// Dispatcher sends local actions to the peers that should see them.
type Dispatcher struct {
	db       *db.DB
	registry *Registry
	clients  *Clients
	resolver *Resolver
	inbox    *Inbox
	workers  int
}

func NewDispatcher(database *db.DB, registry *Registry, clients *Clients, resolver *Resolver, inbox *Inbox, cfg Config) *Dispatcher {
	return &Dispatcher{
		db:       database,
		registry: registry,
		clients:  clients,
		resolver: resolver,
		inbox:    inbox,
		workers:  cfg.FanoutWorkers,
	}
}

// PostEntry federates a stored local entry. Public entries go to every
// active node's broadcast inbox, friends-only entries to each remote
// friend and unlisted entries to each remote accepted follower. Local
// recipients of non-public entries are notified without a network hop.
func (d *Dispatcher) PostEntry(ctx context.Context, entry *domain.Entry) (*DeliveryReport, error) {
	author, err := d.resolver.LocalAuthor(ctx, entry.AuthorURL)
	if err != nil {
		return nil, err
	}
	activity := EntryActivity(domain.KindEntry, entry, author)
	report := &DeliveryReport{}

	var targets []target
	switch entry.Visibility {
	case domain.VisibilityPublic:
		nodes, err := d.registry.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			targets = append(targets, target{node: node})
		}
	case domain.VisibilityFriends:
		friends, err := d.db.ReadFriends(ctx, author.URL)
		if err != nil {
			return nil, err
		}
		targets, err = d.recipients(ctx, report, friends, entry, activity)
		if err != nil {
			return nil, err
		}
	case domain.VisibilityUnlisted:
		follows, err := d.db.ReadFollowers(ctx, author.URL, domain.FollowAccepted)
		if err != nil {
			return nil, err
		}
		followers := make([]string, 0, len(follows))
		for _, f := range follows {
			followers = append(followers, f.FollowerURL)
		}
		targets, err = d.recipients(ctx, report, followers, entry, activity)
		if err != nil {
			return nil, err
		}
	default:
		log.Printf("Dispatcher: Entry %s is %s, nothing to send", entry.URL, entry.Visibility)
		return report, nil
	}

	report.Results = append(report.Results, d.fanout(ctx, domain.KindEntry, entry.URL, targets, activity)...)
	log.Printf("Dispatcher: Entry %s (%s) sent to %d targets, %d failed", entry.URL, entry.Visibility, len(report.Results), report.Failed())
	return report, nil
}

// recipients splits author URLs into remote push targets and local inbox deliveries
func (d *Dispatcher) recipients(ctx context.Context, report *DeliveryReport, urls []string, entry *domain.Entry, activity *Activity) ([]target, error) {
	var targets []target
	for _, url := range urls {
		author, err := d.resolver.lookupAuthor(ctx, url)
		if err != nil {
			log.Printf("Dispatcher: Skipping unknown recipient %s: %v", url, err)
			continue
		}
		if author.IsLocal() {
			ref := domain.ObjectRef{Kind: domain.ObjectEntry, Id: entry.Id, URL: entry.URL}
			report.Results = append(report.Results, d.deliverLocal(ctx, author.URL, domain.KindEntry, activity, ref))
			continue
		}
		node, err := d.db.ReadNodeById(ctx, *author.NodeId)
		if err != nil {
			log.Printf("Dispatcher: No node for %s: %v", url, err)
			continue
		}
		if !node.IsActive {
			continue
		}
		targets = append(targets, target{node: *node, recipient: author.URL})
	}
	return targets, nil
}

// UpdateEntry saves the entry and re-sends it to everyone who received it before
func (d *Dispatcher) UpdateEntry(ctx context.Context, entry *domain.Entry) (*DeliveryReport, error) {
	author, err := d.resolver.LocalAuthor(ctx, entry.AuthorURL)
	if err != nil {
		return nil, err
	}
	if err := d.db.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	return d.resend(ctx, domain.KindUpdate, entry, EntryActivity(domain.KindUpdate, entry, author))
}

// DeleteEntry soft-deletes the entry and notifies everyone who received it
func (d *Dispatcher) DeleteEntry(ctx context.Context, entry *domain.Entry) (*DeliveryReport, error) {
	author, err := d.resolver.LocalAuthor(ctx, entry.AuthorURL)
	if err != nil {
		return nil, err
	}
	if err := d.db.UpdateEntryVisibility(ctx, entry.Id, domain.VisibilityDeleted); err != nil {
		return nil, err
	}
	entry.Visibility = domain.VisibilityDeleted
	return d.resend(ctx, domain.KindDelete, entry, EntryActivity(domain.KindDelete, entry, author))
}

func (d *Dispatcher) resend(ctx context.Context, kind domain.ActivityKind, entry *domain.Entry, activity *Activity) (*DeliveryReport, error) {
	records, err := d.db.ReadDeliveries(ctx, entry.URL)
	if err != nil {
		return nil, err
	}
	var targets []target
	for _, rec := range records {
		node, err := d.db.ReadNodeById(ctx, rec.NodeId)
		if err != nil {
			log.Printf("Dispatcher: Delivery record for %s points at missing node %s", entry.URL, rec.NodeId)
			continue
		}
		if !node.IsActive {
			continue
		}
		targets = append(targets, target{node: *node, recipient: rec.RecipientURL})
	}
	report := &DeliveryReport{Results: d.fanout(ctx, kind, entry.URL, targets, activity)}
	log.Printf("Dispatcher: %s of %s sent to %d targets, %d failed", kind, entry.URL, len(targets), report.Failed())
	return report, nil
}

// SendFollowRequest records a pending follow and notifies the followed
// author. The follow stays pending locally when the peer is unreachable.
func (d *Dispatcher) SendFollowRequest(ctx context.Context, followerURL, followedURL string) (*domain.Follow, *DeliveryResult, error) {
	follower, err := d.resolver.LocalAuthor(ctx, followerURL)
	if err != nil {
		return nil, nil, err
	}
	followed, err := d.resolver.ResolveAuthor(ctx, followedURL)
	if err != nil {
		return nil, nil, err
	}
	if follower.URL == followed.URL {
		return nil, nil, fmt.Errorf("%s cannot follow itself", follower.URL)
	}

	follow, _, err := d.db.GetOrCreateFollow(ctx, follower.URL, followed.URL, domain.FollowPending)
	if err != nil {
		return nil, nil, err
	}
	if follow.Status == domain.FollowRejected {
		// asking again after a rejection starts over
		if follow, _, err = d.db.UpdateFollowStatus(ctx, follow.Id, domain.FollowPending); err != nil {
			return nil, nil, err
		}
	}

	activity := FollowActivity(domain.KindFollow, follower, followed)
	ref := domain.ObjectRef{Kind: domain.ObjectFollow, Id: follow.Id}
	result := d.sendTo(ctx, followed, domain.KindFollow, activity, ref)
	return follow, &result, nil
}

// RespondToFollow accepts or rejects a follow addressed to a local author,
// closes its inbox item, recomputes the friendship and tells the follower.
func (d *Dispatcher) RespondToFollow(ctx context.Context, followId uuid.UUID, accept bool) (*domain.Follow, *DeliveryResult, error) {
	follow, err := d.db.ReadFollowById(ctx, followId)
	if err != nil {
		return nil, nil, err
	}
	followed, err := d.resolver.LocalAuthor(ctx, follow.FollowedURL)
	if err != nil {
		return nil, nil, err
	}
	follower, err := d.resolver.ResolveAuthor(ctx, follow.FollowerURL)
	if err != nil {
		return nil, nil, err
	}

	kind, status := domain.KindAccept, domain.FollowAccepted
	if !accept {
		kind, status = domain.KindReject, domain.FollowRejected
	}
	follow, _, err = d.db.UpdateFollowStatus(ctx, follow.Id, status)
	if err != nil {
		return nil, nil, err
	}
	if err := d.inbox.markFollowRead(ctx, follow); err != nil {
		return nil, nil, err
	}
	if _, err := recomputeFriendship(ctx, d.db, follow.FollowerURL, follow.FollowedURL); err != nil {
		return nil, nil, err
	}

	activity := FollowActivity(kind, follower, followed)
	ref := domain.ObjectRef{Kind: domain.ObjectFollow, Id: follow.Id}
	result := d.sendTo(ctx, follower, kind, activity, ref)
	return follow, &result, nil
}

// SendLike likes an entry or comment and notifies its owner. Liking the
// same object twice keeps the first like.
func (d *Dispatcher) SendLike(ctx context.Context, authorURL, targetURL string) (*domain.Like, *DeliveryResult, error) {
	author, err := d.resolver.LocalAuthor(ctx, authorURL)
	if err != nil {
		return nil, nil, err
	}
	t, err := d.resolver.ResolveEntryOrComment(ctx, targetURL)
	if errors.Is(err, ErrUnresolvedTarget) {
		var entry *domain.Entry
		entry, err = d.resolver.ResolveEntry(ctx, targetURL)
		t = &Target{Entry: entry}
	}
	if err != nil {
		return nil, nil, err
	}
	owner, err := d.resolver.ResolveAuthor(ctx, t.OwnerURL())
	if err != nil {
		return nil, nil, err
	}

	id := uuid.New()
	like, _, err := d.db.GetOrCreateLike(ctx, &domain.Like{
		Id:         id,
		URL:        LikeURL(author.URL, id),
		AuthorURL:  author.URL,
		ObjectURL:  t.URL(),
		ObjectKind: t.Kind(),
	})
	if err != nil {
		return nil, nil, err
	}
	if owner.URL == author.URL {
		return like, nil, nil
	}

	ref := domain.ObjectRef{Kind: domain.ObjectLike, Id: like.Id, URL: like.URL}
	result := d.sendTo(ctx, owner, domain.KindLike, LikeActivity(like, author), ref)
	return like, &result, nil
}

// SendComment comments on an entry and notifies the entry's author.
// Comments on local entries live under the entry URL, comments on remote
// entries under the commenting author.
func (d *Dispatcher) SendComment(ctx context.Context, authorURL, entryURL, content, contentType string) (*domain.Comment, *DeliveryResult, error) {
	author, err := d.resolver.LocalAuthor(ctx, authorURL)
	if err != nil {
		return nil, nil, err
	}
	entry, err := d.resolver.ResolveEntry(ctx, entryURL)
	if err != nil {
		return nil, nil, err
	}
	owner, err := d.resolver.ResolveAuthor(ctx, entry.AuthorURL)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.New()
	url := util.JoinURL(author.URL, "commented", id.String())
	if owner.IsLocal() {
		url = CommentURL(entry.URL, id)
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	comment, _, err := d.db.GetOrCreateComment(ctx, &domain.Comment{
		Id:          id,
		URL:         url,
		AuthorURL:   author.URL,
		EntryURL:    entry.URL,
		Content:     content,
		ContentType: contentType,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, nil, err
	}
	if owner.URL == author.URL {
		return comment, nil, nil
	}

	ref := domain.ObjectRef{Kind: domain.ObjectComment, Id: comment.Id, URL: comment.URL}
	result := d.sendTo(ctx, owner, domain.KindComment, CommentActivity(comment, author), ref)
	return comment, &result, nil
}

// sendTo delivers a targeted activity: into the local inbox when the
// recipient lives here, otherwise to the recipient's inbox on its node.
func (d *Dispatcher) sendTo(ctx context.Context, recipient *domain.Author, kind domain.ActivityKind, activity *Activity, ref domain.ObjectRef) DeliveryResult {
	if recipient.IsLocal() {
		return d.deliverLocal(ctx, recipient.URL, kind, activity, ref)
	}
	node, err := d.db.ReadNodeById(ctx, *recipient.NodeId)
	if err != nil {
		return DeliveryResult{Recipient: recipient.URL, Err: fmt.Errorf("%w: node of %s", ErrUnknownNode, recipient.URL)}
	}
	if !node.IsActive {
		return DeliveryResult{Node: node.Name, Recipient: recipient.URL, Err: fmt.Errorf("%w: %s is inactive", ErrUnknownNode, node.Name)}
	}
	return d.push(ctx, kind, *node, recipient.URL, activity)
}

func (d *Dispatcher) deliverLocal(ctx context.Context, recipientURL string, kind domain.ActivityKind, activity *Activity, ref domain.ObjectRef) DeliveryResult {
	result := DeliveryResult{Recipient: recipientURL, Local: true}
	raw, err := json.Marshal(activity)
	if err == nil {
		_, _, err = d.inbox.Deliver(ctx, recipientURL, kind, raw, ref)
	}
	if err != nil {
		log.Printf("Dispatcher: Local delivery of %s to %s failed: %v", kind, recipientURL, err)
		result.Err = err
		return result
	}
	result.Success = true
	return result
}

// fanout pushes activity to every target with a bounded worker pool. Each
// push has its own timeout, so a stuck peer only holds up its own worker.
func (d *Dispatcher) fanout(ctx context.Context, kind domain.ActivityKind, entryURL string, targets []target, activity *Activity) []DeliveryResult {
	results := make([]DeliveryResult, len(targets))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = d.push(ctx, kind, t.node, t.recipient, activity)
			if results[i].Success && !results[i].Self && kind != domain.KindDelete {
				if err := d.db.RecordDelivery(ctx, entryURL, t.node.Id, t.recipient); err != nil {
					log.Printf("Dispatcher: Failed to record delivery of %s to %s: %v", entryURL, t.node.Name, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) push(ctx context.Context, kind domain.ActivityKind, node domain.Node, recipient string, activity *Activity) DeliveryResult {
	result := DeliveryResult{Node: node.Name, Recipient: recipient}
	path := broadcastInboxPath
	if recipient != "" {
		path = inboxPath(recipient)
	}

	start := time.Now()
	resp, err := d.clients.Push(ctx, node).Post(ctx, path, activity)
	switch {
	case err != nil:
		log.Printf("Dispatcher: %s to %s%s failed: %v", kind, node.Name, path, err)
		deliveriesTotal.WithLabelValues(node.Name, string(kind), outcomeFailed).Inc()
		result.Err = err
	case resp.Self:
		deliveriesTotal.WithLabelValues(node.Name, string(kind), outcomeSelf).Inc()
		result.Success, result.Self = true, true
	default:
		deliveryDuration.WithLabelValues(node.Name).Observe(time.Since(start).Seconds())
		deliveriesTotal.WithLabelValues(node.Name, string(kind), outcomeOK).Inc()
		result.Success = true
	}
	return result
}
