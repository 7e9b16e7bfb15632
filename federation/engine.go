package federation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/google/uuid"
)

// Config holds the settings the engine components read
type Config struct {
	PublicURL         string
	NodeName          string
	PushTimeout       time.Duration
	SyncTimeout       time.Duration
	PushRetries       int
	SyncRetries       int
	FanoutWorkers     int
	SyncPageSize      int
	SyncLimit         int
	ResolverCacheSize int
	ResolverCacheTTL  time.Duration
	ResolverMissTTL   time.Duration
}

func ConfigFrom(conf *util.AppConfig) Config {
	c := conf.Conf
	return Config{
		PublicURL:         c.PublicURL,
		NodeName:          c.NodeName,
		PushTimeout:       c.PushTimeout,
		SyncTimeout:       c.SyncTimeout,
		PushRetries:       c.PushRetries,
		SyncRetries:       c.SyncRetries,
		FanoutWorkers:     c.FanoutWorkers,
		SyncPageSize:      c.SyncPageSize,
		SyncLimit:         c.SyncLimit,
		ResolverCacheSize: c.ResolverCacheSize,
		ResolverCacheTTL:  c.ResolverCacheTTL,
		ResolverMissTTL:   c.ResolverMissTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.PushTimeout <= 0 {
		c.PushTimeout = 8 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.FanoutWorkers < 1 {
		c.FanoutWorkers = 1
	}
	if c.SyncPageSize <= 0 {
		c.SyncPageSize = 50
	}
	if c.SyncLimit <= 0 {
		c.SyncLimit = 200
	}
	if c.ResolverCacheSize <= 0 {
		c.ResolverCacheSize = 1024
	}
	if c.ResolverCacheTTL <= 0 {
		c.ResolverCacheTTL = 5 * time.Minute
	}
	if c.ResolverMissTTL <= 0 {
		c.ResolverMissTTL = time.Minute
	}
	if c.NodeName == "" {
		c.NodeName = util.Name
	}
	return c
}

// Federation bundles the engine components around one database
type Federation struct {
	Config     Config
	DB         *db.DB
	Registry   *Registry
	Clients    *Clients
	Resolver   *Resolver
	Inbox      *Inbox
	Processor  *Processor
	Dispatcher *Dispatcher
	Syncer     *Syncer
}

// New wires the engine. self may be nil, in which case the public URL
// decides what counts as this node.
func New(database *db.DB, cfg Config, self *SelfDetector) *Federation {
	cfg = cfg.withDefaults()
	if self == nil {
		self = NewSelfDetector(cfg.PublicURL)
	}
	registry := NewRegistry(database)
	clients := NewClients(cfg, self)
	resolver := NewResolver(database, registry, clients, cfg)
	inbox := NewInbox(database)
	processor := NewProcessor(database, resolver, inbox)

	return &Federation{
		Config:     cfg,
		DB:         database,
		Registry:   registry,
		Clients:    clients,
		Resolver:   resolver,
		Inbox:      inbox,
		Processor:  processor,
		Dispatcher: NewDispatcher(database, registry, clients, resolver, inbox, cfg),
		Syncer:     NewSyncer(database, registry, clients, resolver, cfg),
	}
}

// CreateAuthor registers a new author owned by this node
func (f *Federation) CreateAuthor(ctx context.Context, displayName string) (*domain.Author, error) {
	id := uuid.New()
	author := &domain.Author{
		Id:          id,
		URL:         AuthorURL(f.Config.PublicURL, id),
		Host:        f.Config.PublicURL,
		DisplayName: displayName,
	}
	if err := f.DB.CreateLocalAuthor(ctx, author); err != nil {
		return nil, fmt.Errorf("create author %q: %w", displayName, err)
	}
	log.Printf("Created local author %s (%s)", displayName, author.URL)
	return author, nil
}

// Publish stores a new entry for a local author and federates it. The entry
// is saved even when every peer is unreachable.
func (f *Federation) Publish(ctx context.Context, authorURL string, draft domain.Entry) (*domain.Entry, *DeliveryReport, error) {
	author, err := f.Resolver.LocalAuthor(ctx, authorURL)
	if err != nil {
		return nil, nil, err
	}
	entry := draft
	entry.Id = uuid.New()
	entry.URL = EntryURL(author.URL, entry.Id)
	entry.AuthorURL = author.URL
	if err := f.DB.CreateEntry(ctx, &entry); err != nil {
		return nil, nil, fmt.Errorf("create entry: %w", err)
	}
	report, err := f.Dispatcher.PostEntry(ctx, &entry)
	if err != nil {
		return &entry, nil, err
	}
	return &entry, report, nil
}
