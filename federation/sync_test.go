package federation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// servePeerContent makes p serve two authors and one public entry
func servePeerContent(t *testing.T, p *peer) (*domain.Author, *domain.Entry) {
	t.Helper()
	var authors []AuthorSummary
	var first *domain.Author
	for _, name := range []string{"bob", "carol"} {
		id := uuid.New()
		a := &domain.Author{URL: AuthorURL(p.URL, id), Host: p.URL, DisplayName: name}
		if first == nil {
			first = a
		}
		authors = append(authors, SummaryOf(a))
	}
	entry := remoteEntry(first, domain.VisibilityPublic)

	body, _ := json.Marshal(Listing{Type: "authors", Page: 1, Size: 10, Items: authors})
	p.serve("/authors/", string(body))
	// some peers answer with a bare array
	body, _ = json.Marshal([]*Activity{EntryActivity(domain.KindEntry, entry, first)})
	p.serve("/entries/", string(body))
	return first, entry
}

func TestSyncNodeIsIdempotent(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	p := newPeer(t)
	node := createTestNode(t, fed, "node-b", p.URL)
	bob, entry := servePeerContent(t, p)

	run, err := fed.Syncer.SyncNode(ctx, *node, 0)
	if err != nil {
		t.Fatalf("SyncNode failed: %v", err)
	}
	if run.AuthorsCreated != 2 || run.EntriesCreated != 1 {
		t.Errorf("Expected 2 authors and 1 entry created, got %+v", run)
	}

	stored, err := fed.DB.ReadEntryById(ctx, entry.Id)
	if err != nil {
		t.Fatalf("Synced entry missing: %v", err)
	}
	if stored.AuthorURL != bob.URL {
		t.Errorf("Expected author %s, got %s", bob.URL, stored.AuthorURL)
	}
	cached, err := fed.DB.ReadAuthorByURL(ctx, bob.URL)
	if err != nil {
		t.Fatalf("Synced author missing: %v", err)
	}
	if cached.NodeId == nil || *cached.NodeId != node.Id {
		t.Errorf("Expected author to belong to node-b, got %v", cached.NodeId)
	}

	again, err := fed.Syncer.SyncNode(ctx, *node, 0)
	if err != nil {
		t.Fatalf("Second SyncNode failed: %v", err)
	}
	if again.AuthorsCreated != 0 || again.EntriesCreated != 0 {
		t.Errorf("Expected nothing new on the second run, got %+v", again)
	}
	if again.AuthorsUpdated != 2 || again.EntriesUpdated != 1 {
		t.Errorf("Expected everything refreshed on the second run, got %+v", again)
	}

	runs, err := fed.DB.ReadSyncRuns(ctx, node.Id, 10)
	if err != nil {
		t.Fatalf("ReadSyncRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 recorded runs, got %d", len(runs))
	}
}

func TestSyncNodeHonoursLimit(t *testing.T) {
	fed := newTestFederation(t)
	p := newPeer(t)
	node := createTestNode(t, fed, "node-b", p.URL)
	servePeerContent(t, p)

	run, err := fed.Syncer.SyncNode(context.Background(), *node, 1)
	if err != nil {
		t.Fatalf("SyncNode failed: %v", err)
	}
	if run.AuthorsCreated != 1 {
		t.Errorf("Expected the limit to stop after 1 author, got %d", run.AuthorsCreated)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	fed := newTestFederation(t)
	ctx := context.Background()
	good := newPeer(t)
	servePeerContent(t, good)
	down := newPeer(t)
	down.Close()
	goodNode := createTestNode(t, fed, "node-good", good.URL)
	downNode := createTestNode(t, fed, "node-down", down.URL)

	runs, err := fed.Syncer.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected a run per node, got %d", len(runs))
	}
	for _, run := range runs {
		switch run.NodeId {
		case goodNode.Id:
			if run.Error != "" || run.EntriesCreated != 1 {
				t.Errorf("Expected node-good to sync, got %+v", run)
			}
		case downNode.Id:
			if run.Error == "" {
				t.Error("Expected node-down to record its error")
			}
		default:
			t.Errorf("Unexpected run for node %s", run.NodeId)
		}
	}
}

func TestSyncSkipsSelf(t *testing.T) {
	fed := newTestFederation(t)
	node := createTestNode(t, fed, "myself", testPublicURL)

	run, err := fed.Syncer.SyncNode(context.Background(), *node, 0)
	if err != nil || run != nil {
		t.Errorf("Expected self sync to be a no-op, got %+v, %v", run, err)
	}
}
