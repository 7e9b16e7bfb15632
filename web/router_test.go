package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/federation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newTestFederation(t *testing.T, publicURL string) *federation.Federation {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	self := federation.NewSelfDetector(publicURL).WithLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		return nil, errors.New("no lookups in tests")
	})
	return federation.New(database, federation.Config{
		PublicURL:     publicURL,
		NodeName:      "test node",
		PushTimeout:   2 * time.Second,
		SyncTimeout:   2 * time.Second,
		FanoutWorkers: 2,
	}, self)
}

// testNode is a full node served on a loopback port
type testNode struct {
	*httptest.Server
	fed *federation.Federation
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	fed := newTestFederation(t, "http://"+l.Addr().String())
	srv := httptest.NewUnstartedServer(NewRouter(fed))
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)
	return &testNode{Server: srv, fed: fed}
}

// link registers a and b with each other under shared credentials
func link(t *testing.T, a, b *testNode) (onA, onB *domain.Node) {
	t.Helper()
	ctx := context.Background()
	var err error
	if onA, err = a.fed.Registry.Create(ctx, "b", b.URL, "peer", "pw"); err != nil {
		t.Fatalf("Failed to register b on a: %v", err)
	}
	if onB, err = b.fed.Registry.Create(ctx, "a", a.URL, "peer", "pw"); err != nil {
		t.Fatalf("Failed to register a on b: %v", err)
	}
	return onA, onB
}

func (n *testNode) do(t *testing.T, method, path string, body []byte, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, n.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if auth {
		req.SetBasicAuth("peer", "pw")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(buf)
}

func TestPublishLikeAcrossNodes(t *testing.T) {
	ctx := context.Background()
	x, y := newTestNode(t), newTestNode(t)
	link(t, x, y)

	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	bob, err := y.fed.CreateAuthor(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}

	entry, report, err := x.fed.Publish(ctx, alice.URL, domain.Entry{
		Title:       "Hello",
		Content:     "hello from x",
		ContentType: "text/plain",
		Visibility:  domain.VisibilityPublic,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ok := report.ByNode()["b"]; !ok {
		t.Fatalf("Expected delivery to succeed, got %+v", report.Results)
	}

	copied, err := y.fed.DB.ReadEntryByURL(ctx, entry.URL)
	if err != nil {
		t.Fatalf("Entry did not reach y: %v", err)
	}
	if copied.Id != entry.Id || copied.Content != entry.Content {
		t.Errorf("Expected identical entry on y, got %+v", copied)
	}
	stats, err := y.fed.Inbox.Stats(ctx, bob.URL)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Expected public broadcast not to notify bob, got %d items", stats.Total)
	}

	_, res, err := y.fed.Dispatcher.SendLike(ctx, bob.URL, entry.URL)
	if err != nil {
		t.Fatalf("SendLike failed: %v", err)
	}
	if !res.Success || res.Local {
		t.Fatalf("Expected a successful remote delivery, got %+v", res)
	}

	likes, err := x.fed.DB.CountLikes(ctx, entry.URL)
	if err != nil || likes != 1 {
		t.Errorf("Expected 1 like on x, got %d (%v)", likes, err)
	}
	stats, err = x.fed.Inbox.Stats(ctx, alice.URL)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 1 || stats.ByKind[domain.KindLike] != 1 {
		t.Errorf("Expected alice to have one like in her inbox, got %+v", stats)
	}
}

func TestSyncAfterPushIsANoOp(t *testing.T) {
	ctx := context.Background()
	x, y := newTestNode(t), newTestNode(t)
	_, xOnY := link(t, x, y)

	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	entry, _, err := x.fed.Publish(ctx, alice.URL, domain.Entry{Content: "pushed first", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	run, err := y.fed.Syncer.SyncNode(ctx, *xOnY, 0)
	if err != nil {
		t.Fatalf("SyncNode failed: %v", err)
	}
	if run.AuthorsCreated != 0 || run.EntriesCreated != 0 {
		t.Errorf("Expected nothing new after the push, got %+v", run)
	}
	if run.AuthorsUpdated != 1 || run.EntriesUpdated != 1 {
		t.Errorf("Expected alice and her entry to be refreshed, got %+v", run)
	}

	stored, err := y.fed.DB.ReadEntryById(ctx, entry.Id)
	if err != nil || stored.URL != entry.URL {
		t.Errorf("Expected the entry under the same id, got %+v (%v)", stored, err)
	}
}

func TestPublishSkipsSelf(t *testing.T) {
	ctx := context.Background()
	x := newTestNode(t)
	if _, err := x.fed.Registry.Create(ctx, "myself", x.URL, "peer", "pw"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}

	_, report, err := x.fed.Publish(ctx, alice.URL, domain.Entry{Content: "echo?", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(report.Results) != 1 || !report.Results[0].Self || !report.Results[0].Success {
		t.Errorf("Expected a single skipped self delivery, got %+v", report.Results)
	}
	stats, err := x.fed.Inbox.Stats(ctx, alice.URL)
	if err != nil || stats.Total != 0 {
		t.Errorf("Expected no inbox items, got %+v (%v)", stats, err)
	}
}

func TestInboxStatusCodes(t *testing.T) {
	ctx := context.Background()
	x, y := newTestNode(t), newTestNode(t)
	bOnX, _ := link(t, x, y)

	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	remoteId := uuid.New()
	remote, _, err := x.fed.DB.UpsertRemoteAuthor(ctx, &domain.Author{
		Id: remoteId, URL: federation.AuthorURL(y.URL, remoteId), Host: y.URL, NodeId: &bOnX.Id,
	})
	if err != nil {
		t.Fatalf("UpsertRemoteAuthor failed: %v", err)
	}
	aliceInbox := "/authors/" + alice.Id.String() + "/inbox"

	unknownLike, _ := json.Marshal(federation.LikeActivity(&domain.Like{
		ObjectURL: alice.URL + "/entries/" + uuid.NewString(),
	}, remote))

	// y's credentials speaking for an author of a third node
	entryId := uuid.New()
	entry := &domain.Entry{Id: entryId, URL: federation.EntryURL(alice.URL, entryId), AuthorURL: alice.URL, Visibility: domain.VisibilityPublic}
	if err := x.fed.DB.CreateEntry(ctx, entry); err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}
	if _, err := x.fed.Registry.Create(ctx, "c", "http://node-c.test", "other", "pw"); err != nil {
		t.Fatalf("Failed to register c: %v", err)
	}
	stranger := &domain.Author{URL: federation.AuthorURL("http://node-c.test", uuid.New())}
	foreignLike, _ := json.Marshal(federation.LikeActivity(&domain.Like{ObjectURL: entry.URL}, stranger))

	tests := []struct {
		name   string
		path   string
		body   []byte
		auth   bool
		status int
	}{
		{"no credentials", "/inbox", []byte(`{}`), false, http.StatusUnauthorized},
		{"unknown author", "/authors/" + uuid.NewString() + "/inbox", []byte(`{}`), true, http.StatusNotFound},
		{"remote author", "/authors/" + remote.Id.String() + "/inbox", []byte(`{}`), true, http.StatusNotFound},
		{"broken json", aliceInbox, []byte(`{"type":`), true, http.StatusBadRequest},
		{"unknown type", aliceInbox, []byte(`{"type":"poke","actor":"` + remote.URL + `"}`), true, http.StatusBadRequest},
		{"unknown target", aliceInbox, unknownLike, true, http.StatusBadRequest},
		{"actor of another node", aliceInbox, foreignLike, true, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := x.do(t, http.MethodPost, tt.path, tt.body, tt.auth)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, resp.StatusCode, readBody(t, resp))
			}
			if tt.status == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("Expected a WWW-Authenticate challenge")
			}
		})
	}

	if n, _ := x.fed.Inbox.Stats(ctx, alice.URL); n.Total != 0 {
		t.Errorf("Expected rejected activities to leave the inbox empty, got %d", n.Total)
	}
}

func TestReadEndpoints(t *testing.T) {
	ctx := context.Background()
	x, y := newTestNode(t), newTestNode(t)
	link(t, x, y)

	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	public, _, err := x.fed.Publish(ctx, alice.URL, domain.Entry{Title: "Open", Content: "see [this](https://example.com)", ContentType: "text/markdown", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	secret, _, err := x.fed.Publish(ctx, alice.URL, domain.Entry{Title: "Closed", Content: "friends only", Visibility: domain.VisibilityFriends})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	entryPath := func(e *domain.Entry) string {
		return "/authors/" + alice.Id.String() + "/entries/" + e.Id.String()
	}

	resp := x.do(t, http.MethodGet, "/authors/", nil, true)
	var authors struct {
		Type  string                     `json:"type"`
		Items []federation.AuthorSummary `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authors); err != nil {
		t.Fatalf("Failed to decode authors: %v", err)
	}
	if authors.Type != "authors" || len(authors.Items) != 1 || authors.Items[0].ID != alice.URL {
		t.Errorf("Unexpected author listing: %+v", authors)
	}

	resp = x.do(t, http.MethodGet, "/entries/", nil, true)
	var entries struct {
		Items []federation.Activity `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode entries: %v", err)
	}
	if len(entries.Items) != 1 || entries.Items[0].ID != public.URL {
		t.Errorf("Expected only the public entry, got %+v", entries.Items)
	}

	if resp := x.do(t, http.MethodGet, entryPath(public), nil, true); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected public entry to be served, got %d", resp.StatusCode)
	}
	if resp := x.do(t, http.MethodGet, entryPath(secret), nil, true); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected friends-only entry to be hidden, got %d", resp.StatusCode)
	}
	if resp := x.do(t, http.MethodGet, "/authors/"+alice.Id.String(), nil, false); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected author lookup to need credentials, got %d", resp.StatusCode)
	}

	resp = x.do(t, http.MethodGet, "/authors/"+alice.Id.String()+"/feed", nil, false)
	feed := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected feed, got %d", resp.StatusCode)
	}
	if !strings.Contains(feed, "<rss") || !strings.Contains(feed, "Open") || strings.Contains(feed, "Closed") {
		t.Errorf("Unexpected feed: %s", feed)
	}

	if resp := x.do(t, http.MethodGet, "/metrics", nil, false); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected metrics, got %d", resp.StatusCode)
	}
}

func TestFollowAcceptedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	x, y := newTestNode(t), newTestNode(t)
	link(t, x, y)

	alice, err := x.fed.CreateAuthor(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}
	bob, err := y.fed.CreateAuthor(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateAuthor failed: %v", err)
	}

	sent, res, err := x.fed.Dispatcher.SendFollowRequest(ctx, alice.URL, bob.URL)
	if err != nil {
		t.Fatalf("SendFollowRequest failed: %v", err)
	}
	if !res.Success || sent.Status != domain.FollowPending {
		t.Fatalf("Expected a delivered pending follow, got %s / %v", sent.Status, res.Err)
	}

	received, err := y.fed.DB.ReadFollow(ctx, alice.URL, bob.URL)
	if err != nil {
		t.Fatalf("Follow did not reach y: %v", err)
	}
	if _, res, err = y.fed.Dispatcher.RespondToFollow(ctx, received.Id, true); err != nil {
		t.Fatalf("RespondToFollow failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected the accept to reach x, got %v", res.Err)
	}

	onX, err := x.fed.DB.ReadFollow(ctx, alice.URL, bob.URL)
	if err != nil {
		t.Fatalf("ReadFollow failed: %v", err)
	}
	if onX.Status != domain.FollowAccepted {
		t.Errorf("Expected alice's follow to be accepted on x, got %s", onX.Status)
	}
	if n, _ := x.fed.Inbox.Stats(ctx, alice.URL); n.ByKind[domain.KindAccept] != 1 {
		t.Errorf("Expected one accept in alice's inbox, got %+v", n)
	}
}
