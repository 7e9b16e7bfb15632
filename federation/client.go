package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxResponseBytes = 4 << 20

// Response is a peer's answer to a successful call
type Response struct {
	StatusCode int
	Body       []byte
	Self       bool // the call was skipped because the node is this process
}

func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client talks to one peer node with that node's basic auth credentials.
type Client struct {
	node    domain.Node
	http    *http.Client
	timeout time.Duration
	self    bool
}

func (c *Client) Node() domain.Node {
	return c.node
}

// IsSelf reports whether the peer is this very node
func (c *Client) IsSelf() bool {
	return c.self
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post sends body as JSON
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body for %s: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, buf)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if c.self {
		return &Response{StatusCode: http.StatusNoContent, Self: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.url(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, c.fail(method, path, 0, err)
	}
	req.SetBasicAuth(c.node.Username, c.node.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", util.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(method, path, 0, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.fail(method, path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.fail(method, path, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(buf))))
	}
	return &Response{StatusCode: resp.StatusCode, Body: buf}, nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return util.JoinURL(c.node.Host, path)
}

func (c *Client) fail(method, path string, status int, err error) error {
	return &RemoteNodeError{Node: c.node.Name, Method: method, Path: path, StatusCode: status, Err: err}
}

// Clients hands out per-node clients. Pushes use a short timeout and few
// retries, sync pulls a longer timeout.
type Clients struct {
	push        *http.Client
	sync        *http.Client
	pushTimeout time.Duration
	syncTimeout time.Duration
	self        *SelfDetector
}

func NewClients(cfg Config, self *SelfDetector) *Clients {
	return &Clients{
		push:        newRetryingClient(cfg.PushRetries),
		sync:        newRetryingClient(cfg.SyncRetries),
		pushTimeout: cfg.PushTimeout,
		syncTimeout: cfg.SyncTimeout,
		self:        self,
	}
}

func (cs *Clients) Push(ctx context.Context, node domain.Node) *Client {
	return &Client{node: node, http: cs.push, timeout: cs.pushTimeout, self: cs.self.IsSelf(ctx, node.Host)}
}

func (cs *Clients) Sync(ctx context.Context, node domain.Node) *Client {
	return &Client{node: node, http: cs.sync, timeout: cs.syncTimeout, self: cs.self.IsSelf(ctx, node.Host)}
}

func newRetryingClient(retries int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = log.New(os.Stderr, "RemoteClient: ", log.LstdFlags)
	retryClient.CheckRetry = retryPolicy
	// hand the last response back so the status code reaches RemoteNodeError
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return retryClient.StandardClient()
}

// retryPolicy never retries 429, the caller decides what to do with a busy peer
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// SelfDetector recognises node hosts that point back at this process:
// the public URL itself, or any name resolving to the same machine on the
// same port.
type SelfDetector struct {
	publicBase string
	publicHost string
	publicPort string
	lookup     func(ctx context.Context, host string) ([]net.IP, error)
	cache      *expirable.LRU[string, bool]
}

func NewSelfDetector(publicURL string) *SelfDetector {
	s := &SelfDetector{
		lookup: lookupIP,
		cache:  expirable.NewLRU[string, bool](256, nil, 10*time.Minute),
	}
	if base, err := util.BaseURL(publicURL); err == nil {
		s.publicBase = base
		s.publicHost, s.publicPort = hostPort(base)
	}
	return s
}

// WithLookup replaces the resolver used to compare hosts
func (s *SelfDetector) WithLookup(lookup func(ctx context.Context, host string) ([]net.IP, error)) *SelfDetector {
	s.lookup = lookup
	s.cache.Purge()
	return s
}

func (s *SelfDetector) IsSelf(ctx context.Context, rawURL string) bool {
	base, err := util.BaseURL(rawURL)
	if err != nil || s.publicBase == "" {
		return false
	}
	if base == s.publicBase {
		return true
	}
	if self, ok := s.cache.Get(base); ok {
		return self
	}
	self := s.resolvesToSelf(ctx, base)
	s.cache.Add(base, self)
	if self {
		log.Printf("RemoteClient: %s points back at this node (%s)", base, s.publicBase)
	}
	return self
}

func (s *SelfDetector) resolvesToSelf(ctx context.Context, base string) bool {
	host, port := hostPort(base)
	if port != s.publicPort {
		return false
	}
	ours, err := s.lookup(ctx, s.publicHost)
	if err != nil {
		return false
	}
	theirs, err := s.lookup(ctx, host)
	if err != nil {
		return false
	}
	for _, a := range theirs {
		for _, b := range ours {
			if a.Equal(b) || (a.IsLoopback() && b.IsLoopback()) {
				return true
			}
		}
	}
	return false
}

func hostPort(base string) (string, string) {
	scheme, rest, _ := strings.Cut(base, "://")
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		host = strings.Trim(rest, "[]")
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return host, port
}

func lookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if host == "localhost" {
		return []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
