package federation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
)

// Registry is the list of peers this node federates with.
type Registry struct {
	db *db.DB
}

func NewRegistry(database *db.DB) *Registry {
	return &Registry{db: database}
}

// Create registers a peer. host is normalised before it is stored.
func (r *Registry) Create(ctx context.Context, name, host, username, password string) (*domain.Node, error) {
	normalized, err := util.NormalizeURL(host)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = strings.TrimPrefix(strings.TrimPrefix(normalized, "https://"), "http://")
	}
	node := &domain.Node{
		Name:     name,
		Host:     normalized,
		Username: username,
		Password: password,
		IsActive: true,
	}
	if err := r.db.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("create node %s: %w", normalized, err)
	}
	log.Printf("Registry: Added node %s (%s)", node.Name, node.Host)
	return node, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]domain.Node, error) {
	return r.db.ReadActiveNodes(ctx)
}

func (r *Registry) List(ctx context.Context) ([]domain.Node, error) {
	return r.db.ReadAllNodes(ctx)
}

// FindByHost returns the active node owning rawURL, matched by scheme and
// authority. Unknown and inactive nodes yield ErrUnknownNode.
func (r *Registry) FindByHost(ctx context.Context, rawURL string) (*domain.Node, error) {
	base, err := util.BaseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownNode, err)
	}
	node, err := r.db.ReadNodeByHost(ctx, base)
	if err == nil {
		if !node.IsActive {
			return nil, ErrUnknownNode
		}
		return node, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	// nodes registered with a path prefix
	nodes, err := r.db.ReadActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if nodeBase, err := util.BaseURL(n.Host); err == nil && nodeBase == base {
			return &n, nil
		}
	}
	return nil, ErrUnknownNode
}

// FindByName looks a node up by display name, falling back to its host
func (r *Registry) FindByName(ctx context.Context, name string) (*domain.Node, error) {
	node, err := r.db.ReadNodeByName(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		if normalized, nerr := util.NormalizeURL(name); nerr == nil {
			node, err = r.db.ReadNodeByHost(ctx, normalized)
		}
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	return node, err
}

// Authenticate verifies inbound basic auth credentials against the active nodes.
func (r *Registry) Authenticate(ctx context.Context, username, password string) (*domain.Node, error) {
	nodes, err := r.db.ReadActiveNodesByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if subtle.ConstantTimeCompare([]byte(n.Password), []byte(password)) == 1 {
			return &n, nil
		}
	}
	return nil, ErrUnknownNode
}

func (r *Registry) Deactivate(ctx context.Context, name string) (*domain.Node, error) {
	node, err := r.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := r.db.SetNodeActive(ctx, node.Id, false); err != nil {
		return nil, err
	}
	node.IsActive = false
	log.Printf("Registry: Deactivated node %s", node.Name)
	return node, nil
}
