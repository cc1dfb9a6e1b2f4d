package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tinoosan/dlgroup/internal/service"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Watch connects to the group event stream. The returned channel is closed
// when the connection terminates or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, key string) (<-chan service.Update, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", wsURL.Scheme)
	}
	wsURL.Path += "/v1/groups/" + url.PathEscape(key) + "/events"

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL.String(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	ch := make(chan service.Update, 8)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			var u service.Update
			if err := wsjson.Read(ctx, conn, &u); err != nil {
				return
			}
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
