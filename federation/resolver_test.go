package federation

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

func authorPath(url string) string {
	return url[strings.Index(url, "/authors/"):]
}

func (p *peer) gets(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if r.Method == http.MethodGet && r.Path == path {
			n++
		}
	}
	return n
}

func TestResolveAuthorFetchesFromOwner(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	p := newPeer(t)
	node := createTestNode(t, fed, "node-b", p.URL)

	url := AuthorURL(p.URL, uuid.New())
	p.serve(authorPath(url), string(mustJSON(t, AuthorSummary{Type: "author", ID: url, DisplayName: "bob"})))

	author, err := fed.Resolver.ResolveAuthor(ctx, url)
	if err != nil {
		t.Fatalf("ResolveAuthor failed: %v", err)
	}
	if author.DisplayName != "bob" || author.NodeId == nil || *author.NodeId != node.Id {
		t.Errorf("Unexpected author: %+v", author)
	}
	if p.requests[0].User != "node-a" {
		t.Errorf("Expected basic auth user node-a, got %q", p.requests[0].User)
	}

	// served from the database and cache from now on
	if _, err := fed.Resolver.ResolveAuthor(ctx, url+"/"); err != nil {
		t.Fatalf("Second ResolveAuthor failed: %v", err)
	}
	if n := p.gets(authorPath(url)); n != 1 {
		t.Errorf("Expected 1 fetch, got %d", n)
	}
}

func TestResolveAuthorRemembersMisses(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	p := newPeer(t)
	createTestNode(t, fed, "node-b", p.URL)
	url := AuthorURL(p.URL, uuid.New())

	if _, err := fed.Resolver.ResolveAuthor(ctx, url); !errors.Is(err, ErrUnknownAuthor) {
		t.Fatalf("Expected ErrUnknownAuthor, got %v", err)
	}
	p.serve(authorPath(url), string(mustJSON(t, AuthorSummary{ID: url})))
	if _, err := fed.Resolver.ResolveAuthor(ctx, url); !errors.Is(err, ErrUnknownAuthor) {
		t.Errorf("Expected the miss to be cached, got %v", err)
	}
	if n := p.gets(authorPath(url)); n != 1 {
		t.Errorf("Expected 1 fetch, got %d", n)
	}
}

func TestResolveAuthorUnknownHost(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()

	_, err := fed.Resolver.ResolveAuthor(ctx, "http://stranger.test/authors/"+uuid.NewString())
	if !errors.Is(err, ErrUnknownAuthor) {
		t.Errorf("Expected ErrUnknownAuthor for an unregistered host, got %v", err)
	}
	_, err = fed.Resolver.ResolveAuthor(ctx, AuthorURL(testPublicURL, uuid.New()))
	if !errors.Is(err, ErrUnknownAuthor) {
		t.Errorf("Expected ErrUnknownAuthor for a missing local author, got %v", err)
	}
}

func TestRefreshAuthor(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	p := newPeer(t)
	node := createTestNode(t, fed, "node-b", p.URL)
	bob := createRemoteAuthor(t, fed, node, "bob")

	// owner answers 404: the cached copy is kept
	cached, err := fed.Resolver.RefreshAuthor(ctx, bob.URL)
	if err != nil {
		t.Fatalf("RefreshAuthor failed: %v", err)
	}
	if cached.DisplayName != "bob" {
		t.Errorf("Expected cached copy, got %+v", cached)
	}

	p.serve(authorPath(bob.URL), string(mustJSON(t, AuthorSummary{ID: bob.URL, DisplayName: "Bob B."})))
	fresh, err := fed.Resolver.RefreshAuthor(ctx, bob.URL)
	if err != nil {
		t.Fatalf("RefreshAuthor failed: %v", err)
	}
	if fresh.DisplayName != "Bob B." || fresh.Id != bob.Id {
		t.Errorf("Expected refreshed author with the same id, got %+v", fresh)
	}

	alice := createLocalAuthor(t, fed, "alice")
	local, err := fed.Resolver.RefreshAuthor(ctx, alice.URL)
	if err != nil || local.URL != alice.URL {
		t.Errorf("Expected local author unchanged, got %+v, %v", local, err)
	}
}

func TestResolveEntryOrCommentFallsBackToId(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	alice := createLocalAuthor(t, fed, "alice")
	entry := createLocalEntry(t, fed, alice, domain.VisibilityPublic)

	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"exact", entry.URL, true},
		{"trailing slash", entry.URL + "/", true},
		{"foreign prefix", "http://elsewhere.test/api/entries/" + entry.Id.String(), true},
		{"unknown id", alice.URL + "/entries/" + uuid.NewString(), false},
		{"no id", alice.URL + "/entries/latest", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := fed.Resolver.ResolveEntryOrComment(ctx, tt.url)
			if !tt.ok {
				if !errors.Is(err, ErrUnresolvedTarget) {
					t.Errorf("Expected ErrUnresolvedTarget, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if target.Kind() != domain.ObjectEntry || target.URL() != entry.URL || target.OwnerURL() != alice.URL {
				t.Errorf("Unexpected target %+v", target)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()

	node, err := fed.Registry.Create(ctx, "", "HTTP://Node-B.test:80/", "node-a", "s3cret")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if node.Host != "http://node-b.test" || node.Name != "node-b.test" {
		t.Errorf("Expected normalised host and derived name, got %s / %s", node.Host, node.Name)
	}

	found, err := fed.Registry.FindByHost(ctx, "http://node-b.test/authors/"+uuid.NewString())
	if err != nil || found.Id != node.Id {
		t.Errorf("FindByHost failed: %v", err)
	}
	if _, err := fed.Registry.FindByHost(ctx, "http://node-c.test/authors/1"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}

	if _, err := fed.Registry.Authenticate(ctx, "node-a", "s3cret"); err != nil {
		t.Errorf("Authenticate failed: %v", err)
	}
	if _, err := fed.Registry.Authenticate(ctx, "node-a", "wrong"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected wrong password to fail, got %v", err)
	}

	if _, err := fed.Registry.Deactivate(ctx, "node-b.test"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if _, err := fed.Registry.FindByHost(ctx, "http://node-b.test"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected inactive node to be unknown, got %v", err)
	}
	if _, err := fed.Registry.Authenticate(ctx, "node-a", "s3cret"); err == nil {
		t.Error("Expected inactive node to be refused")
	}
	all, err := fed.Registry.List(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("Expected the inactive node to stay listed, got %d, %v", len(all), err)
	}
}

func TestSelfDetector(t *testing.T) {
	ips := map[string][]net.IP{
		"node-a.test": {net.IPv4(127, 0, 0, 1)},
		"alias.test":  {net.IPv6loopback},
		"other.test":  {net.IPv4(10, 0, 0, 7)},
	}
	self := NewSelfDetector("http://node-a.test:8080").WithLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		if ip, ok := ips[host]; ok {
			return ip, nil
		}
		return nil, errors.New("no such host")
	})

	tests := []struct {
		url  string
		self bool
	}{
		{"http://node-a.test:8080/authors/1", true},
		{"HTTP://NODE-A.test:8080", true},
		{"http://alias.test:8080", true},
		{"http://alias.test:9090", false},
		{"http://other.test:8080", false},
		{"http://unknown.test:8080", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := self.IsSelf(context.Background(), tt.url); got != tt.self {
			t.Errorf("IsSelf(%q) = %v, want %v", tt.url, got, tt.self)
		}
	}
}
