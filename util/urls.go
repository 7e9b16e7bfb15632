package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidURL = errors.New("invalid url")

// NormalizeURL lower-cases scheme and host, drops default ports, the query,
// the fragment and any trailing slash.
func NormalizeURL(raw string) (string, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return "", err
	}
	return authority(u) + strings.TrimRight(u.EscapedPath(), "/"), nil
}

// BaseURL reduces raw to scheme://host[:port]
func BaseURL(raw string) (string, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return "", err
	}
	return authority(u), nil
}

// SameURL compares two identifiers after normalisation
func SameURL(a, b string) bool {
	na, errA := NormalizeURL(a)
	nb, errB := NormalizeURL(b)
	if errA != nil || errB != nil {
		return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
	}
	return na == nb
}

// TrailingID returns the last non-empty path segment of raw
func TrailingID(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		raw = u.Path
	}
	raw = strings.TrimRight(raw, "/")
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// DeterministicID picks the id a remote object is stored under: its trailing
// segment when that is a UUID, otherwise a name-based UUID of the URL.
func DeterministicID(fqid string) uuid.UUID {
	if id, err := uuid.Parse(TrailingID(fqid)); err == nil {
		return id
	}
	normalized, err := NormalizeURL(fqid)
	if err != nil {
		normalized = fqid
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalized))
}

// JoinURL appends path segments to base with single slashes
func JoinURL(base string, elems ...string) string {
	out := strings.TrimRight(base, "/")
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		out += "/" + e
	}
	return out
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return u, nil
}

func authority(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}
