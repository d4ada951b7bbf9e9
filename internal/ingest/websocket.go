package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const maxSocketBackoff = time.Minute

// SocketClient holds a persistent notifications socket to the controller and
// reconnects with exponential backoff when it drops.
type SocketClient struct {
	url        string
	token      string
	httpClient *http.Client
	handler    Handler
	logger     *slog.Logger
	reconnect  time.Duration
}

func NewSocketClient(url, token string, verifyTLS bool, reconnect time.Duration, handler Handler, logger *slog.Logger) *SocketClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS}
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &SocketClient{
		url:        url,
		token:      token,
		httpClient: &http.Client{Transport: transport},
		handler:    handler,
		logger:     logger,
		reconnect:  reconnect,
	}
}

// Run blocks until ctx is done.
func (c *SocketClient) Run(ctx context.Context) {
	backoff := c.reconnect
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.reconnect
		}
		if c.logger != nil {
			c.logger.Warn("notification socket disconnected", "url", c.url, "err", err, "retry_in", backoff)
		}
		if !BackoffSleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, maxSocketBackoff)
	}
}

// session dials once and reads until the socket fails. connected reports
// whether the dial succeeded.
func (c *SocketClient) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.token}},
	})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)
	if c.logger != nil {
		c.logger.Info("notification socket connected", "url", c.url)
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("closed by controller")
			}
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(ctx, data)
	}
}

// dispatch ignores anything that is not a JSON object, such as the "Hello"
// greeting and keepalive frames.
func (c *SocketClient) dispatch(ctx context.Context, data []byte) bool {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		if c.logger != nil {
			c.logger.Debug("skipping non-event socket message", "size", len(data))
		}
		return false
	}
	_ = Submit(ctx, c.handler, SourceWebSocket, raw, c.logger)
	return true
}
