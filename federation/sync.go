package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"golang.org/x/sync/errgroup"
)

// Syncer pulls author and entry listings from peers. It upserts exactly as
// the processor does, so a pull can overlap with pushes and be re-run freely.
type Syncer struct {
	db       *db.DB
	registry *Registry
	clients  *Clients
	resolver *Resolver
	pageSize int
	limit    int
	workers  int
}

func NewSyncer(database *db.DB, registry *Registry, clients *Clients, resolver *Resolver, cfg Config) *Syncer {
	return &Syncer{
		db:       database,
		registry: registry,
		clients:  clients,
		resolver: resolver,
		pageSize: cfg.SyncPageSize,
		limit:    cfg.SyncLimit,
		workers:  cfg.FanoutWorkers,
	}
}

// SyncNode pulls up to limit authors and limit entries from node. The run is
// persisted even when it fails. A node that is this process yields a nil run.
func (s *Syncer) SyncNode(ctx context.Context, node domain.Node, limit int) (*domain.SyncRun, error) {
	if limit <= 0 {
		limit = s.limit
	}
	client := s.clients.Sync(ctx, node)
	if client.IsSelf() {
		log.Printf("Sync: Skipping %s, it is this node", node.Name)
		return nil, nil
	}

	run := &domain.SyncRun{NodeId: node.Id, StartedAt: time.Now().UTC()}
	err := s.pull(ctx, client, "authors", limit, func(raw json.RawMessage) error {
		return s.syncAuthor(ctx, node, run, raw)
	})
	if err == nil {
		err = s.pull(ctx, client, "entries", limit, func(raw json.RawMessage) error {
			return s.syncEntry(ctx, node, run, raw)
		})
	}
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
	}
	if cerr := s.db.CreateSyncRun(ctx, run); cerr != nil {
		log.Printf("Sync: Failed to record run for %s: %v", node.Name, cerr)
	}

	log.Printf("Sync: %s done, authors +%d ~%d, entries +%d ~%d", node.Name,
		run.AuthorsCreated, run.AuthorsUpdated, run.EntriesCreated, run.EntriesUpdated)
	if err != nil {
		return run, fmt.Errorf("sync %s: %w", node.Name, err)
	}
	return run, nil
}

// pull walks the collection page by page until a short page or the limit
func (s *Syncer) pull(ctx context.Context, client *Client, collection string, limit int, each func(json.RawMessage) error) error {
	seen := 0
	for page := 1; seen < limit; page++ {
		resp, err := client.Get(ctx, fmt.Sprintf("/%s/?page=%d&size=%d", collection, page, s.pageSize))
		if err != nil {
			return err
		}
		items, err := decodeListing(resp.Body)
		if err != nil {
			return fmt.Errorf("decode %s page %d: %w", collection, page, err)
		}
		for _, raw := range items {
			if seen >= limit {
				break
			}
			seen++
			if err := each(raw); err != nil {
				log.Printf("Sync: Skipping one of %s on %s: %v", collection, client.Node().Name, err)
			}
		}
		if len(items) < s.pageSize {
			break
		}
	}
	return nil
}

func (s *Syncer) syncAuthor(ctx context.Context, node domain.Node, run *domain.SyncRun, raw json.RawMessage) error {
	var summary AuthorSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return err
	}
	if summary.ID == "" {
		return malformed("author without id")
	}
	if s.resolver.IsLocalURL(summary.ID) {
		return nil
	}
	_, created, err := s.resolver.UpsertFromSummary(ctx, &node, summary)
	if err != nil {
		return err
	}
	if created {
		run.AuthorsCreated++
		syncObjects.WithLabelValues(node.Name, "author", "created").Inc()
	} else {
		run.AuthorsUpdated++
		syncObjects.WithLabelValues(node.Name, "author", "updated").Inc()
	}
	return nil
}

func (s *Syncer) syncEntry(ctx context.Context, node domain.Node, run *domain.SyncRun, raw json.RawMessage) error {
	var act Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return err
	}
	entry, created, err := s.resolver.upsertEntry(ctx, &node, &act)
	if err != nil {
		return err
	}
	if s.resolver.IsLocalURL(entry.URL) {
		// our own entry served back by the peer
		return nil
	}
	if created {
		run.EntriesCreated++
		syncObjects.WithLabelValues(node.Name, "entry", "created").Inc()
	} else {
		run.EntriesUpdated++
		syncObjects.WithLabelValues(node.Name, "entry", "updated").Inc()
	}
	return nil
}

// SyncAll syncs every active node in parallel. A failing node is logged and
// recorded in its run; it never stops the others.
func (s *Syncer) SyncAll(ctx context.Context) ([]*domain.SyncRun, error) {
	nodes, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.SyncRun, len(nodes))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, node := range nodes {
		g.Go(func() error {
			run, err := s.SyncNode(ctx, node, 0)
			if err != nil {
				log.Printf("Sync: %v", err)
			}
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()

	var done []*domain.SyncRun
	for _, run := range runs {
		if run != nil {
			done = append(done, run)
		}
	}
	return done, nil
}

// Start runs SyncAll every interval until ctx is cancelled
func (s *Syncer) Start(ctx context.Context, interval time.Duration) {
	log.Printf("Starting sync scheduler every %s...", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("Sync: Scheduler stopped")
				return
			case <-ticker.C:
				if _, err := s.SyncAll(ctx); err != nil {
					log.Printf("Sync: Failed to list nodes: %v", err)
				}
			}
		}
	}()
}
