package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/oauth2"
)

// Relay protocol constants shared by the relay server and the Remote client.
const (
	DeviceHeader = "X-Watchsync-Device"
	ItemsPath    = "/v1/items"
	ChangesPath  = "/v1/changes"
	KeyParam     = "key"

	maxErrorBody = 4096
)

// ChangeMessage is the payload of the relay change feed and of write responses.
type ChangeMessage struct {
	Origin  string            `json:"origin,omitempty"`
	Changes map[string]Change `json:"changes"`
}

// ErrorResponse is the JSON body the relay returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Remote is a shared-tier backend served by a watchsync relay over HTTP. Its
// own writes are notified from the write response; Watch subscribes to the
// relay's websocket feed for writes made by other devices.
type Remote struct {
	Hub

	base   *url.URL
	device string
	client *http.Client
	logger *slog.Logger
}

// NewRemote returns a client for the relay at baseURL. A non-empty token is
// sent as a bearer token on every request, including the websocket upgrade.
func NewRemote(
	ctx context.Context, baseURL, token, device string, timeout time.Duration, logger *slog.Logger,
) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("kv: parsing relay URL %q: %w", baseURL, err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("kv: relay URL %q must use http or https", baseURL)
	}

	client := &http.Client{}
	if token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		}))
	}

	client.Timeout = timeout

	return &Remote{
		base:   base,
		device: device,
		client: client,
		logger: logger,
	}, nil
}

// Area returns AreaSync: the relay always serves the cross-device tier.
func (r *Remote) Area() Area { return AreaSync }

// Get fetches the requested keys, or every key when keys is nil.
func (r *Remote) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if keys != nil && len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	resp, err := r.do(ctx, http.MethodGet, r.itemsURL(keys), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := make(map[string]json.RawMessage)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kv: decoding relay items: %w", err)
	}

	return out, nil
}

// Set writes items to the relay in a single request.
func (r *Remote) Set(ctx context.Context, items map[string]json.RawMessage) error {
	body, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("kv: encoding items: %w", err)
	}

	return r.write(ctx, http.MethodPut, r.itemsURL(nil), body)
}

// Remove deletes keys on the relay.
func (r *Remote) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	return r.write(ctx, http.MethodDelete, r.itemsURL(keys), nil)
}

// Watch keeps a websocket subscription to the relay change feed open until ctx
// is canceled, reconnecting with exponential backoff.
func (r *Remote) Watch(ctx context.Context) error {
	backoff := watchErrInitBackoff

	for {
		err := r.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		r.logger.Warn("relay change feed disconnected",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= watchErrBackoffMult
		if backoff > watchErrMaxBackoff {
			backoff = watchErrMaxBackoff
		}
	}
}

// watchOnce runs one websocket session and returns when it ends.
func (r *Remote) watchOnce(ctx context.Context) error {
	wsURL := *r.base
	wsURL.Path += ChangesPath

	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}

	// The websocket library rejects clients with a timeout; the context bounds the dial.
	wsClient := *r.client
	wsClient.Timeout = 0

	conn, _, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{
		HTTPClient: &wsClient,
		HTTPHeader: http.Header{DeviceHeader: []string{r.device}},
	})
	if err != nil {
		return fmt.Errorf("kv: dialing relay change feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	r.logger.Info("subscribed to relay change feed", slog.String("url", wsURL.String()))

	for {
		var msg ChangeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		if msg.Origin == r.device {
			continue
		}

		r.logger.Debug("relay change received",
			slog.String("origin", msg.Origin),
			slog.Int("keys", len(msg.Changes)),
		)

		r.Notify(msg.Changes, AreaSync)
	}
}

// write performs a mutating request and notifies listeners with the change
// set the relay reports back.
func (r *Remote) write(ctx context.Context, method, target string, body []byte) error {
	resp, err := r.do(ctx, method, target, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var msg ChangeMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("kv: decoding relay response: %w", err)
	}

	r.Notify(msg.Changes, AreaSync)

	return nil
}

// do sends a request and converts non-2xx responses into errors that wrap the
// matching sentinel.
func (r *Remote) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("kv: building relay request: %w", err)
	}

	req.Header.Set(DeviceHeader, r.device)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kv: relay %s %s: %w", method, req.URL.Path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	defer resp.Body.Close()

	return nil, relayError(resp)
}

// relayError maps a relay failure response onto the package sentinels so
// callers can match quota failures the same way for every backend.
func relayError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var er ErrorResponse
	msg := strings.TrimSpace(string(data))

	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	switch resp.StatusCode {
	case http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrItemTooLarge, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidKey, msg)
	default:
		return fmt.Errorf("kv: relay returned %d: %s", resp.StatusCode, msg)
	}
}

func (r *Remote) itemsURL(keys []string) string {
	u := *r.base
	u.Path += ItemsPath

	if len(keys) > 0 {
		q := url.Values{}
		for _, k := range keys {
			q.Add(KeyParam, k)
		}

		u.RawQuery = q.Encode()
	}

	return u.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
