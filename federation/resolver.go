package federation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver turns author, entry and comment URLs into local rows, fetching
// and caching remote authors from their owning node on a miss.
type Resolver struct {
	db        *db.DB
	registry  *Registry
	clients   *Clients
	publicURL string
	hits      *expirable.LRU[string, domain.Author]
	misses    *expirable.LRU[string, error]
}

func NewResolver(database *db.DB, registry *Registry, clients *Clients, cfg Config) *Resolver {
	return &Resolver{
		db:        database,
		registry:  registry,
		clients:   clients,
		publicURL: cfg.PublicURL,
		hits:      expirable.NewLRU[string, domain.Author](cfg.ResolverCacheSize, nil, cfg.ResolverCacheTTL),
		misses:    expirable.NewLRU[string, error](cfg.ResolverCacheSize, nil, cfg.ResolverMissTTL),
	}
}

// IsLocalURL reports whether url lives under this node's public URL
func (r *Resolver) IsLocalURL(url string) bool {
	base, err := util.BaseURL(url)
	if err != nil {
		return false
	}
	publicBase, err := util.BaseURL(r.publicURL)
	return err == nil && base == publicBase
}

// LocalAuthor returns the local author for url, or ErrNotLocal
func (r *Resolver) LocalAuthor(ctx context.Context, url string) (*domain.Author, error) {
	author, err := r.lookupAuthor(ctx, url)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, url)
	}
	if err != nil {
		return nil, err
	}
	if !author.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, url)
	}
	return author, nil
}

// ResolveAuthor finds an author locally or fetches it from the node owning
// its URL. Remote fetch failures are remembered for a short while.
func (r *Resolver) ResolveAuthor(ctx context.Context, url string) (*domain.Author, error) {
	key := cacheKey(url)
	if cached, ok := r.hits.Get(key); ok {
		resolverLookups.WithLabelValues("cache").Inc()
		return &cached, nil
	}

	author, err := r.lookupAuthor(ctx, url)
	if err == nil {
		resolverLookups.WithLabelValues("db").Inc()
		r.hits.Add(key, *author)
		return author, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if r.IsLocalURL(url) {
		resolverLookups.WithLabelValues("miss").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthor, url)
	}
	if cachedErr, ok := r.misses.Get(key); ok {
		resolverLookups.WithLabelValues("miss").Inc()
		return nil, cachedErr
	}

	author, err = r.fetchAuthor(ctx, url)
	if err != nil {
		resolverLookups.WithLabelValues("miss").Inc()
		err = fmt.Errorf("%w: %s: %v", ErrUnknownAuthor, url, err)
		r.misses.Add(key, err)
		return nil, err
	}
	resolverLookups.WithLabelValues("remote").Inc()
	return author, nil
}

// RefreshAuthor re-fetches a cached remote author. When the owner cannot be
// reached the last cached copy is returned instead.
func (r *Resolver) RefreshAuthor(ctx context.Context, url string) (*domain.Author, error) {
	cached, err := r.lookupAuthor(ctx, url)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if cached != nil && cached.IsLocal() {
		return cached, nil
	}
	fresh, ferr := r.fetchAuthor(ctx, url)
	if ferr == nil {
		return fresh, nil
	}
	if cached == nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownAuthor, url, ferr)
	}
	log.Printf("Resolver: Refresh of %s failed, serving cached copy: %v", url, ferr)
	if err := r.db.TouchAuthorFetched(ctx, cached.Id); err != nil {
		log.Printf("Resolver: Failed to touch %s: %v", url, err)
	}
	return cached, nil
}

func (r *Resolver) fetchAuthor(ctx context.Context, url string) (*domain.Author, error) {
	node, err := r.registry.FindByHost(ctx, url)
	if err != nil {
		return nil, err
	}
	resp, err := r.clients.Sync(ctx, *node).Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if resp.Self {
		return nil, fmt.Errorf("node %s is this node", node.Name)
	}
	var summary AuthorSummary
	if err := resp.Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode author %s: %w", url, err)
	}
	if summary.ID == "" {
		summary.ID = url
	}
	author, _, err := r.UpsertFromSummary(ctx, node, summary)
	return author, err
}

// UpsertFromSummary caches a remote author described by a peer. Authors
// under our own public URL are only looked up, never written. The owning
// node is derived from the author's URL; source is used when no registered
// node matches. A source may only describe authors of its own host.
func (r *Resolver) UpsertFromSummary(ctx context.Context, source *domain.Node, summary AuthorSummary) (*domain.Author, bool, error) {
	url, err := util.NormalizeURL(summary.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: author id %q", ErrMalformedActivity, summary.ID)
	}
	if r.IsLocalURL(url) {
		author, err := r.LocalAuthor(ctx, url)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownAuthor, url)
		}
		return author, false, nil
	}

	node, err := r.registry.FindByHost(ctx, url)
	switch {
	case err != nil && source == nil:
		return nil, false, err
	case err != nil:
		node = source
	case source != nil && node.Id != source.Id:
		return nil, false, fmt.Errorf("%w: node %s cannot speak for %s", ErrNotOwner, source.Name, url)
	}
	host := summary.Host
	if host == "" {
		host, _ = util.BaseURL(url)
	}
	author := &domain.Author{
		Id:           util.DeterministicID(url),
		URL:          url,
		Host:         host,
		DisplayName:  summary.DisplayName,
		Github:       summary.Github,
		ProfileImage: summary.ProfileImage,
		Web:          summary.Web,
		NodeId:       &node.Id,
	}
	stored, created, err := r.db.UpsertRemoteAuthor(ctx, author)
	if errors.Is(err, db.ErrConflict) {
		return nil, false, fmt.Errorf("%w: id of %s belongs to another author", ErrNotOwner, url)
	}
	if err != nil {
		return nil, false, fmt.Errorf("store author %s: %w", url, err)
	}
	key := cacheKey(url)
	r.hits.Add(key, *stored)
	r.misses.Remove(key)
	return stored, created, nil
}

// lookupAuthor checks the database, tolerating trailing slash differences
func (r *Resolver) lookupAuthor(ctx context.Context, url string) (*domain.Author, error) {
	candidates := []string{url, strings.TrimRight(url, "/"), strings.TrimRight(url, "/") + "/"}
	if normalized, err := util.NormalizeURL(url); err == nil {
		candidates = append(candidates, normalized)
	}
	for _, c := range candidates {
		author, err := r.db.ReadAuthorByURL(ctx, c)
		if err == nil {
			return author, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	if id, err := uuid.Parse(util.TrailingID(url)); err == nil && r.IsLocalURL(url) {
		return r.db.ReadAuthorById(ctx, id)
	}
	return nil, db.ErrNotFound
}

// Target is an entry or a comment, whichever an URL pointed at
type Target struct {
	Entry   *domain.Entry
	Comment *domain.Comment
}

func (t *Target) Kind() domain.ObjectKind {
	if t.Comment != nil {
		return domain.ObjectComment
	}
	return domain.ObjectEntry
}

func (t *Target) URL() string {
	if t.Comment != nil {
		return t.Comment.URL
	}
	return t.Entry.URL
}

func (t *Target) OwnerURL() string {
	if t.Comment != nil {
		return t.Comment.AuthorURL
	}
	return t.Entry.AuthorURL
}

// ResolveEntryOrComment looks url up as an entry then a comment, first by
// exact URL and then by the id in its last path segment.
func (r *Resolver) ResolveEntryOrComment(ctx context.Context, url string) (*Target, error) {
	candidates := []string{url}
	if trimmed := strings.TrimRight(url, "/"); trimmed != url {
		candidates = append(candidates, trimmed)
	}
	if normalized, err := util.NormalizeURL(url); err == nil && normalized != url {
		candidates = append(candidates, normalized)
	}
	for _, c := range candidates {
		if t, err := r.targetByURL(ctx, c); err == nil || !errors.Is(err, db.ErrNotFound) {
			return t, err
		}
	}

	id, err := uuid.Parse(util.TrailingID(url))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedTarget, url)
	}
	if entry, err := r.db.ReadEntryById(ctx, id); err == nil {
		return &Target{Entry: entry}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if comment, err := r.db.ReadCommentById(ctx, id); err == nil {
		return &Target{Comment: comment}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolvedTarget, url)
}

func (r *Resolver) targetByURL(ctx context.Context, url string) (*Target, error) {
	entry, err := r.db.ReadEntryByURL(ctx, url)
	if err == nil {
		return &Target{Entry: entry}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	comment, err := r.db.ReadCommentByURL(ctx, url)
	if err == nil {
		return &Target{Comment: comment}, nil
	}
	return nil, err
}

// ResolveEntry finds an entry locally or pulls it from its owning node
func (r *Resolver) ResolveEntry(ctx context.Context, url string) (*domain.Entry, error) {
	t, err := r.ResolveEntryOrComment(ctx, url)
	if err == nil {
		if t.Entry == nil {
			return nil, fmt.Errorf("%w: %s is a comment", ErrUnresolvedTarget, url)
		}
		return t.Entry, nil
	}
	if !errors.Is(err, ErrUnresolvedTarget) || r.IsLocalURL(url) {
		return nil, err
	}

	node, nerr := r.registry.FindByHost(ctx, url)
	if nerr != nil {
		return nil, err
	}
	resp, ferr := r.clients.Sync(ctx, *node).Get(ctx, url)
	if ferr != nil || resp.Self {
		return nil, err
	}
	var act Activity
	if derr := resp.Decode(&act); derr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvedTarget, url, derr)
	}
	if act.ID == "" {
		act.ID = url
	}
	entry, _, uerr := r.upsertEntry(ctx, node, &act)
	return entry, uerr
}

// upsertEntry stores an entry carried by an activity or a sync listing.
// The author is cached first so every stored entry has a known owner.
func (r *Resolver) upsertEntry(ctx context.Context, source *domain.Node, act *Activity) (*domain.Entry, bool, error) {
	who := act.Who()
	if who == nil {
		return nil, false, malformed("entry without author")
	}
	if act.ID == "" {
		return nil, false, malformed("entry without id")
	}
	entryURL, err := util.NormalizeURL(act.ID)
	if err != nil {
		return nil, false, malformed("entry id %q", act.ID)
	}
	visibility, ok := domain.ParseVisibility(act.Visibility)
	if !ok {
		return nil, false, malformed("visibility %q", act.Visibility)
	}
	author, _, err := r.UpsertFromSummary(ctx, source, *who)
	if err != nil {
		return nil, false, err
	}

	id := util.DeterministicID(entryURL)
	existing, err := r.db.ReadEntryByURL(ctx, entryURL)
	if errors.Is(err, db.ErrNotFound) {
		existing, err = r.db.ReadEntryById(ctx, id)
	}
	switch {
	case err == nil:
		if existing.AuthorURL != author.URL {
			return nil, false, fmt.Errorf("%w: %s", ErrNotOwner, entryURL)
		}
		if author.IsLocal() {
			// our own entry coming back from a peer
			return existing, false, nil
		}
	case !errors.Is(err, db.ErrNotFound):
		return nil, false, err
	case author.IsLocal() || r.IsLocalURL(entryURL):
		return nil, false, fmt.Errorf("%w: %s", ErrUnresolvedTarget, entryURL)
	}

	entry := &domain.Entry{
		Id:          id,
		URL:         entryURL,
		AuthorURL:   author.URL,
		Title:       act.Title,
		Description: act.Description,
		Content:     act.Content,
		ContentType: act.ContentType,
		Visibility:  visibility,
	}
	if act.Published != nil {
		entry.PublishedAt = act.Published.UTC()
	}
	if act.Updated != nil {
		entry.UpdatedAt = act.Updated.UTC()
	}
	stored, created, err := r.db.UpsertEntry(ctx, entry)
	if errors.Is(err, db.ErrConflict) {
		return nil, false, fmt.Errorf("%w: id of %s belongs to another entry", ErrNotOwner, entryURL)
	}
	return stored, created, err
}

func cacheKey(url string) string {
	if normalized, err := util.NormalizeURL(url); err == nil {
		return normalized
	}
	return url
}
