package web

import (
	"context"
	"strings"
	"testing"

	"github.com/deemkeen/federa/domain"
)

func TestAuthorFeed(t *testing.T) {
	ctx := context.Background()
	fed := newTestFederation(t, "http://localhost:9999")
	h := &handlers{fed: fed}

	alice, err := fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	drafts := []domain.Entry{
		{Title: "Markdown", Content: "read [the docs](https://example.com/docs)", ContentType: "text/markdown", Visibility: domain.VisibilityPublic},
		{Title: "Plain", Content: "just text", ContentType: "text/plain", Visibility: domain.VisibilityPublic},
		{Title: "Hidden", Content: "friends only", Visibility: domain.VisibilityFriends},
		{Title: "Quiet", Content: "unlisted", Visibility: domain.VisibilityUnlisted},
	}
	for _, d := range drafts {
		if _, _, err := fed.Publish(ctx, alice.URL, d); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	rss, err := h.authorFeed(ctx, alice)
	if err != nil {
		t.Fatalf("authorFeed failed: %v", err)
	}

	if !strings.Contains(rss, "<title>test node - alice</title>") {
		t.Errorf("Expected feed title with node and author name, got: %s", rss)
	}
	for _, want := range []string{"Markdown", "Plain", `https://example.com/docs`} {
		if !strings.Contains(rss, want) {
			t.Errorf("Expected feed to contain %q", want)
		}
	}
	for _, hidden := range []string{"Hidden", "Quiet"} {
		if strings.Contains(rss, hidden) {
			t.Errorf("Expected feed to leave out %q", hidden)
		}
	}
	if strings.Contains(rss, "[the docs]") {
		t.Error("Expected markdown links to be rendered as HTML")
	}
}

func TestAuthorFeedEmpty(t *testing.T) {
	ctx := context.Background()
	fed := newTestFederation(t, "http://localhost:9999")
	h := &handlers{fed: fed}

	bob, err := fed.CreateAuthor(ctx, "")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	rss, err := h.authorFeed(ctx, bob)
	if err != nil {
		t.Fatalf("authorFeed failed: %v", err)
	}
	if !strings.Contains(rss, bob.Id.String()) {
		t.Error("Expected the author id to stand in for a missing display name")
	}
	if strings.Contains(rss, "<item>") {
		t.Error("Expected no items")
	}
}
