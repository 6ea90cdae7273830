package rtsync

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Transport kinds, in the order they are tried.
const (
	TransportWebSocket   = "websocket"
	TransportLongPolling = "long_polling"
)

// Transport carries JSON frames for a single connection attempt. Send may
// be called while another goroutine blocks in Receive.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives or the transport closes.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportFactory creates an unopened transport of the given kind.
type TransportFactory func(kind string, info *RepoInfo, lastSessionID string) (Transport, error)

// DefaultTransportFactory dials the real WebSocket and long-poll endpoints.
func DefaultTransportFactory(client *http.Client, pollTimeout time.Duration) TransportFactory {
	return func(kind string, info *RepoInfo, lastSessionID string) (Transport, error) {
		switch kind {
		case TransportWebSocket:
			return newWebSocketTransport(info.ConnectionURL(kind, lastSessionID), client), nil
		case TransportLongPolling:
			return newLongPollTransport(info.ConnectionURL(kind, lastSessionID), client, pollTimeout), nil
		default:
			return nil, fmt.Errorf("unknown transport %q", kind)
		}
	}
}

// TransportManager picks the transport for the next connection attempt.
// A transport that fails before the handshake is demoted until one of its
// successors fails too.
type TransportManager struct {
	kinds   []string
	demoted map[string]bool
}

// NewTransportManager tries kinds in order; with force set only that kind
// is used.
func NewTransportManager(force string) *TransportManager {
	kinds := []string{TransportWebSocket, TransportLongPolling}
	if force != "" {
		kinds = []string{force}
	}
	return &TransportManager{kinds: kinds, demoted: make(map[string]bool)}
}

// Next returns the first transport not demoted. When all of them failed,
// the demotions are forgotten and the order starts over.
func (m *TransportManager) Next() string {
	for _, k := range m.kinds {
		if !m.demoted[k] {
			return k
		}
	}
	clear(m.demoted)
	return m.kinds[0]
}

// MarkFailed demotes kind after a failure before the handshake.
func (m *TransportManager) MarkFailed(kind string) {
	if len(m.kinds) > 1 {
		m.demoted[kind] = true
	}
}

// MarkHealthy clears the demotion of kind after a handshake.
func (m *TransportManager) MarkHealthy(kind string) {
	delete(m.demoted, kind)
}
