package remote

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// reconnectMin is the first delay after a dropped notification
	// connection.
	reconnectMin = time.Second

	// reconnectMax caps the reconnect delay.
	reconnectMax = 60 * time.Second

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// notifyReadLimit bounds a single notification frame.
	notifyReadLimit = 64 * 1024
)

// Event is one change notification pushed by the server.
type Event struct {
	Op   string
	Path string
}

// wsConn abstracts the websocket so the notifier can be tested without
// a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Notifier keeps a websocket open to the server's /notify endpoint and
// reports every change event.
type Notifier struct {
	url    string
	token  string
	logger *slog.Logger

	httpClient *http.Client
	dial       func(ctx context.Context) (wsConn, error)

	// minBackoff and maxBackoff default to reconnectMin and reconnectMax.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewNotifier creates a notifier for the server at baseURL. httpClient
// may be nil; when set its transport (and TLS settings) are reused for
// the websocket handshake.
func NewNotifier(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Notifier {
	n := &Notifier{
		url:        notifyURL(baseURL),
		token:      token,
		logger:     logger,
		httpClient: httpClient,
		minBackoff: reconnectMin,
		maxBackoff: reconnectMax,
	}
	n.dial = n.dialWebsocket

	return n
}

func notifyURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + "/notify"
}

func (n *Notifier) dialWebsocket(ctx context.Context) (wsConn, error) {
	opts := &websocket.DialOptions{HTTPClient: n.httpClient}
	if n.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + n.token}}
	}

	conn, _, err := websocket.Dial(ctx, n.url, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", n.url, err)
	}

	return conn, nil
}

// Listen delivers events to handle until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops. handle runs on
// the listener goroutine and should not block for long.
func (n *Notifier) Listen(ctx context.Context, handle func(Event)) error {
	backoff := n.minBackoff

	for {
		connected, err := n.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			backoff = n.minBackoff
		}

		n.logger.Warn("notification connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(0)
		if j := int64(backoff) / jitterDivisor; j > 0 {
			jitter = time.Duration(rand.Int64N(j)) //nolint:gosec // G404: jitter has no security impact
		}

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !connected {
			backoff = min(backoff*reconnectBackoffMultiplier, n.maxBackoff)
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (n *Notifier) session(ctx context.Context, handle func(Event)) (connected bool, err error) {
	conn, err := n.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(notifyReadLimit)
	n.logger.Info("listening for remote changes", slog.String("url", n.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading notification: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		ev, ok := parseEvent(data)
		if !ok {
			n.logger.Debug("ignoring malformed notification", slog.Int("bytes", len(data)))
			continue
		}

		handle(ev)
	}
}

func parseEvent(data []byte) (Event, bool) {
	if !gjson.ValidBytes(data) {
		return Event{}, false
	}

	ev := Event{
		Op:   gjson.GetBytes(data, "op").String(),
		Path: gjson.GetBytes(data, "path").String(),
	}

	return ev, ev.Op != ""
}
