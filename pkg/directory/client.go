package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"gamedo/pkg/domain"
)

const defaultClientTimeout = 10 * time.Second

// Client calls the directory service over HTTP and websockets.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// APIError represents a directory service error response.
// It unwraps to the domain sentinel matching the status.
type APIError struct {
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// NewClient constructs a directory client. A zero timeout uses the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type credentialRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

type patchRequest struct {
	Ops Patch `json:"ops"`
}

// snapshotFrame is one websocket message of a subscription.
type snapshotFrame struct {
	Documents []Document `json:"documents"`
}

func (c *Client) CreateCredential(ctx context.Context, identity, secret string) error {
	return c.do(ctx, http.MethodPost, "/v1/credentials", "", credentialRequest{Identity: identity, Secret: secret}, nil, domain.ErrInvalidCredential)
}

func (c *Client) VerifyCredential(ctx context.Context, identity, secret string) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/credentials/verify", "", credentialRequest{Identity: identity, Secret: secret}, &session, domain.ErrInvalidCredential); err != nil {
		return Session{}, err
	}
	if session.Token == "" {
		return Session{}, fmt.Errorf("%w: session token missing", domain.ErrTransport)
	}
	return session, nil
}

func (c *Client) UpdateSecret(ctx context.Context, session Session, newSecret string) error {
	return c.do(ctx, http.MethodPost, "/v1/credentials/secret", session.Token, secretRequest{Secret: newSecret}, nil, domain.ErrUnauthenticated)
}

func (c *Client) CreateDocument(ctx context.Context, collection, id string, payload any) error {
	return c.do(ctx, http.MethodPut, documentPath(collection, id), "", payload, nil, domain.ErrUnauthenticated)
}

func (c *Client) UpdateDocument(ctx context.Context, collection, id string, patch Patch) error {
	return c.do(ctx, http.MethodPatch, documentPath(collection, id), "", patchRequest{Ops: patch}, nil, domain.ErrUnauthenticated)
}

func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, documentPath(collection, id), "", nil, nil, domain.ErrUnauthenticated)
}

func (c *Client) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	if err := c.do(ctx, http.MethodGet, documentPath(collection, id), "", nil, &doc, domain.ErrUnauthenticated); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Subscribe opens a websocket that streams snapshots until the returned func is called.
// A dropped connection ends delivery; there is no automatic reconnect.
func (c *Client) Subscribe(ctx context.Context, collection string, filter Filter, onChange func([]Document)) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("%w: onChange is required", domain.ErrInvalidInput)
	}
	wsURL, err := c.subscribeURL(collection, filter)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial subscribe: %v", domain.ErrTransport, err)
	}
	conn.SetReadLimit(4 << 20)

	readCtx, stop := context.WithCancel(context.Background())
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					slog.Warn("directory subscription closed", "collection", collection, "err", err)
				}
				return
			}
			var frame snapshotFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Warn("directory subscription: malformed snapshot", "collection", collection, "err", err)
				continue
			}
			if frame.Documents == nil {
				frame.Documents = []Document{}
			}
			onChange(frame.Documents)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			_ = conn.Close(websocket.StatusNormalClosure, "")
		})
	}, nil
}

// do sends one request. unauthorized is the sentinel a 401 maps to for this call.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any, unauthorized error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, kind: statusError(resp.StatusCode, unauthorized)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrTransport, err)
	}
	return nil
}

// statusError maps a failing status to a sentinel. Server-side failures and
// throttling are reported as transport failures so callers fall back.
func statusError(status int, unauthorized error) error {
	switch {
	case status == http.StatusBadRequest:
		return domain.ErrInvalidInput
	case status == http.StatusUnauthorized:
		return unauthorized
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusConflict:
		return domain.ErrAlreadyExists
	default:
		return domain.ErrTransport
	}
}

func (c *Client) subscribeURL(collection string, filter Filter) (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/subscribe/" + url.PathEscape(collection))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	for _, cond := range filter {
		q.Add(cond.Field, cond.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func documentPath(collection, id string) string {
	return "/v1/documents/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
