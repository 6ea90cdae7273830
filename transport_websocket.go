package rtsync

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 16 << 20

type webSocketTransport struct {
	url    string
	client *http.Client
	conn   *websocket.Conn
}

func newWebSocketTransport(url string, client *http.Client) *webSocketTransport {
	return &webSocketTransport{url: url, client: client}
}

func (t *webSocketTransport) Open(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPClient: t.client})
	if err != nil {
		return &TransportError{Transport: TransportWebSocket, Err: fmt.Errorf("websocket dial: %w", err)}
	}
	conn.SetReadLimit(maxFrameSize)
	t.conn = conn
	return nil
}

func (t *webSocketTransport) Send(ctx context.Context, frame []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &TransportError{Transport: TransportWebSocket, Err: fmt.Errorf("websocket write: %w", err)}
	}
	return nil
}

func (t *webSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, &TransportError{Transport: TransportWebSocket, Err: fmt.Errorf("websocket read: %w", err)}
	}
	return data, nil
}

func (t *webSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
