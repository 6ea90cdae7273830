package rtsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// longPollTransport emulates a socket with plain HTTP: a start request opens
// a session, POSTs carry outbound frames, and a chain of blocking GETs
// collects inbound ones.
type longPollTransport struct {
	baseURL     string
	client      *http.Client
	pollTimeout time.Duration

	id        string
	frames    chan []byte
	errc      chan error
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newLongPollTransport(baseURL string, client *http.Client, pollTimeout time.Duration) *longPollTransport {
	return &longPollTransport{
		baseURL:     baseURL,
		client:      client,
		pollTimeout: pollTimeout,
		frames:      make(chan []byte, 64),
		errc:        make(chan error, 1),
	}
}

func (t *longPollTransport) endpoint(params map[string]string) string {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return t.baseURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *longPollTransport) fail(err error) error {
	return &TransportError{Transport: TransportLongPolling, Err: err}
}

func (t *longPollTransport) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (t *longPollTransport) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint(map[string]string{"start": "t"}), nil)
	if err != nil {
		return t.fail(fmt.Errorf("create request: %w", err))
	}
	body, err := t.do(req)
	if err != nil {
		return t.fail(fmt.Errorf("long-poll start: %w", err))
	}
	var start struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &start); err != nil || start.ID == "" {
		return t.fail(fmt.Errorf("long-poll start: bad session response %q", body))
	}
	t.id = start.ID
	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pollLoop(pollCtx)
	return nil
}

func (t *longPollTransport) pollLoop(ctx context.Context) {
	for {
		reqCtx, cancel := context.WithTimeout(ctx, t.pollTimeout+10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.endpoint(map[string]string{"id": t.id}), nil)
		if err != nil {
			cancel()
			t.errc <- t.fail(err)
			return
		}
		body, err := t.do(req)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				t.errc <- t.fail(fmt.Errorf("long-poll receive: %w", err))
			}
			return
		}
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			t.errc <- t.fail(fmt.Errorf("long-poll receive: %w", err))
			return
		}
		for _, f := range batch {
			select {
			case t.frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *longPollTransport) Send(ctx context.Context, frame []byte) error {
	body := make([]byte, 0, len(frame)+2)
	body = append(body, '[')
	body = append(body, frame...)
	body = append(body, ']')
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(map[string]string{"id": t.id}), bytes.NewReader(body))
	if err != nil {
		return t.fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := t.do(req); err != nil {
		return t.fail(fmt.Errorf("long-poll send: %w", err))
	}
	return nil
}

func (t *longPollTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.errc:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *longPollTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.id == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint(map[string]string{"id": t.id}), nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		_, err = t.do(req)
	})
	return err
}
