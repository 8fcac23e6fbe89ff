package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotFound reports that a directory entry or blob is absent.
var ErrNotFound = errors.New("relay: not found")

// TransportError wraps a network or relay-side failure. Retryable by the
// caller; the client never retries on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to a relay server. All operations take a context and return
// typed errors; sends are fire-and-forget in the sense that nothing is
// buffered locally on failure.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a relay client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) wsEndpoint(parts ...string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return &TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}
	return nil
}

// SendEnvelope appends an envelope to the recipient's mailbox, keyed by the
// envelope's own ID.
func (c *Client) SendEnvelope(ctx context.Context, env *Envelope) error {
	return c.do(ctx, "send", http.MethodPut, c.endpoint("mailbox", env.RecipientID, env.ID), env, nil)
}

// DeleteEnvelope acknowledges a consumed envelope by removing it.
func (c *Client) DeleteEnvelope(ctx context.Context, userID, id string) error {
	return c.do(ctx, "ack", http.MethodDelete, c.endpoint("mailbox", userID, id), nil, nil)
}

// WatchMailbox subscribes to the user's own mailbox. Pending entries are
// replayed first, then new arrivals stream until ctx is cancelled. The
// returned channel closes when the subscription ends; entries stay on the
// relay until acknowledged with DeleteEnvelope.
func (c *Client) WatchMailbox(ctx context.Context, userID string) (<-chan Item, error) {
	return c.watchSocket(ctx, "watch mailbox", c.wsEndpoint("mailbox", userID, "watch"))
}

// SendSignal appends a one-shot value to a signal channel and returns the
// relay-assigned entry ID.
func (c *Client) SendSignal(ctx context.Context, channel, userID string, value any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "signal "+channel, http.MethodPost, c.endpoint("signals", channel, userID), value, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteSignal removes a processed signal entry.
func (c *Client) DeleteSignal(ctx context.Context, channel, userID, id string) error {
	return c.do(ctx, "ack signal", http.MethodDelete, c.endpoint("signals", channel, userID, id), nil, nil)
}

// WatchSignals subscribes to one of the signal channels for the user.
func (c *Client) WatchSignals(ctx context.Context, channel, userID string) (<-chan Item, error) {
	return c.watchSocket(ctx, "watch "+channel, c.wsEndpoint("signals", channel, userID, "watch"))
}

func (c *Client) watchSocket(ctx context.Context, op, endpoint string) (<-chan Item, error) {
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	ch := make(chan Item, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close() }()
		for {
			var it Item
			if err := conn.ReadJSON(&it); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("relay watch ended", zap.String("op", op), zap.Error(err))
				}
				return
			}
			select {
			case ch <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// FetchProfile reads a user's directory entry. Returns ErrNotFound when the
// user has no published profile.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, "fetch profile", http.MethodGet, c.endpoint("users", userID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PublishProfile writes a user's directory entry.
func (c *Client) PublishProfile(ctx context.Context, userID string, p *Profile) error {
	return c.do(ctx, "publish profile", http.MethodPut, c.endpoint("users", userID), p, nil)
}

// DeleteProfile removes a user's directory entry and block list.
func (c *Client) DeleteProfile(ctx context.Context, userID string) error {
	return c.do(ctx, "delete profile", http.MethodDelete, c.endpoint("users", userID), nil, nil)
}

// Block records that userID has blocked peerID.
func (c *Client) Block(ctx context.Context, userID, peerID string) error {
	return c.do(ctx, "block", http.MethodPut, c.endpoint("blocks", userID, peerID), nil, nil)
}

// Unblock removes a block entry.
func (c *Client) Unblock(ctx context.Context, userID, peerID string) error {
	return c.do(ctx, "unblock", http.MethodDelete, c.endpoint("blocks", userID, peerID), nil, nil)
}

// PairBlocked reports whether either user has blocked the other.
func (c *Client) PairBlocked(ctx context.Context, a, b string) (bool, error) {
	var out struct {
		Blocked bool `json:"blocked"`
	}
	if err := c.do(ctx, "pair blocked", http.MethodGet, c.endpoint("blocks", "pair", a, b), nil, &out); err != nil {
		return false, err
	}
	return out.Blocked, nil
}

// BlockedIDs lists the user IDs this user has blocked.
func (c *Client) BlockedIDs(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Blocked []string `json:"blocked"`
	}
	if err := c.do(ctx, "list blocks", http.MethodGet, c.endpoint("blocks", userID), nil, &out); err != nil {
		return nil, err
	}
	return out.Blocked, nil
}

// UploadBlob stores an encrypted binary object and returns its relay path
// (e.g. "/blobs/<id>"), suitable for an envelope's imageUrl field.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("blobs"), bytes.NewReader(data))
	if err != nil {
		return "", &TransportError{Op: "upload blob", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "upload blob", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", &TransportError{Op: "upload blob", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Op: "upload blob", Err: err}
	}
	return out.URL, nil
}

// DownloadBlob fetches an encrypted blob by its relay path.
func (c *Client) DownloadBlob(ctx context.Context, blobPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolvePath(blobPath), nil)
	if err != nil {
		return nil, &TransportError{Op: "download blob", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "download blob", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, &TransportError{Op: "download blob", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, &TransportError{Op: "download blob", Err: err}
	}
	return data, nil
}

// DeleteBlob removes a consumed blob by its relay path.
func (c *Client) DeleteBlob(ctx context.Context, blobPath string) error {
	return c.do(ctx, "delete blob", http.MethodDelete, c.resolvePath(blobPath), nil, nil)
}

func (c *Client) resolvePath(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(p, "/")
	return u.String()
}
