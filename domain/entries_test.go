package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseVisibility(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Visibility
		ok    bool
	}{
		{"public upper", "PUBLIC", VisibilityPublic, true},
		{"public lower", "public", VisibilityPublic, true},
		{"empty defaults to public", "", VisibilityPublic, true},
		{"unlisted", "UNLISTED", VisibilityUnlisted, true},
		{"friends", "FRIENDS", VisibilityFriends, true},
		{"friends-only", "friends-only", VisibilityFriends, true},
		{"deleted", "DELETED", VisibilityDeleted, true},
		{"padded", "  Public ", VisibilityPublic, true},
		{"unknown", "secret", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseVisibility(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseVisibility(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestEntryToString(t *testing.T) {
	id := uuid.New()
	e := &Entry{
		Id:         id,
		URL:        "http://x/authors/a/entries/" + id.String(),
		AuthorURL:  "http://x/authors/a",
		Visibility: VisibilityFriends,
		CreatedAt:  time.Now(),
	}

	result := e.ToString()
	if !strings.Contains(result, id.String()) {
		t.Errorf("ToString() should contain ID, got: %s", result)
	}
	if !strings.Contains(result, "friends-only") {
		t.Errorf("ToString() should contain visibility, got: %s", result)
	}
}

func TestAuthorIsLocal(t *testing.T) {
	nodeId := uuid.New()
	local := Author{Id: uuid.New(), URL: "http://x/authors/1"}
	remote := Author{Id: uuid.New(), URL: "http://y/authors/2", NodeId: &nodeId}

	if !local.IsLocal() {
		t.Error("Author without node should be local")
	}
	if remote.IsLocal() {
		t.Error("Author with node should be remote")
	}
	if !strings.Contains(remote.ToString(), nodeId.String()) {
		t.Errorf("ToString() should contain node id, got: %s", remote.ToString())
	}
}
