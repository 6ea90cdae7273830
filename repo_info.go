package rtsync

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtocolVersion is the wire protocol version sent as v=.
const ProtocolVersion = "5"

const (
	webSocketPath = "/.ws"
	longPollPath  = "/.lp"
)

// RepoInfo identifies a database: where it lives and which namespace it
// serves.
type RepoInfo struct {
	Host      string
	Secure    bool
	Namespace string

	// internalHost replaces Host after the server asks the client to
	// reconnect elsewhere.
	internalHost string
}

// ParseRepoURL parses "https://host[:port]/?ns=name" style URLs. Without an
// ns parameter the namespace is the first label of the host.
func ParseRepoURL(raw string) (RepoInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RepoInfo{}, fmt.Errorf("parse database url: %w", err)
	}
	var secure bool
	switch u.Scheme {
	case "https", "wss":
		secure = true
	case "http", "ws":
	default:
		return RepoInfo{}, fmt.Errorf("parse database url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return RepoInfo{}, fmt.Errorf("parse database url %q: missing host", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return RepoInfo{}, fmt.Errorf("parse database url %q: must not contain a path", raw)
	}
	ns := u.Query().Get("ns")
	if ns == "" {
		ns, _, _ = strings.Cut(u.Hostname(), ".")
	}
	return RepoInfo{Host: u.Host, Secure: secure, Namespace: ns}, nil
}

// currentHost is the host the next connection goes to.
func (ri *RepoInfo) currentHost() string {
	if ri.internalHost != "" {
		return ri.internalHost
	}
	return ri.Host
}

// ConnectionURL builds the endpoint of transport kind, carrying the last
// session id so the server can resume it.
func (ri *RepoInfo) ConnectionURL(kind string, lastSessionID string) string {
	q := url.Values{}
	q.Set("v", ProtocolVersion)
	q.Set("ns", ri.Namespace)
	if lastSessionID != "" {
		q.Set("ls", lastSessionID)
	}
	u := url.URL{Host: ri.currentHost(), RawQuery: q.Encode()}
	switch kind {
	case TransportWebSocket:
		u.Scheme = "ws"
		if ri.Secure {
			u.Scheme = "wss"
		}
		u.Path = webSocketPath
	default:
		u.Scheme = "http"
		if ri.Secure {
			u.Scheme = "https"
		}
		u.Path = longPollPath
	}
	return u.String()
}

// String is the canonical database URL.
func (ri RepoInfo) String() string {
	scheme := "http"
	if ri.Secure {
		scheme = "https"
	}
	return scheme + "://" + ri.Host + "/?ns=" + url.QueryEscape(ri.Namespace)
}
