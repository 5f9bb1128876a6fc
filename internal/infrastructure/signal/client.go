package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/utils"
	"speedshare/pkg/validation"

	"github.com/gorilla/websocket"
)

const codesPath = "/api/v1/codes"

// IssueResponse is the body returned when a code is issued.
type IssueResponse struct {
	Code       domain.RendezvousCode `json:"code"`
	EvictToken string                `json:"evict_token"`
}

// ErrorResponse is the body of a failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to a rendezvous server. It remembers the evict token of
// every code it issued so that Evict can be called by the issuing peer.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer

	mu     sync.Mutex
	tokens map[domain.RendezvousCode]string
}

var _ ports.RendezvousRegistry = (*Client)(nil)

func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	if err := validation.ValidateURL(serverURL); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid rendezvous url: %w", err)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		tokens:  make(map[domain.RendezvousCode]string),
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = u.Path + codesPath
	for _, p := range parts {
		u.Path += "/" + url.PathEscape(p)
	}
	return u.String()
}

func (c *Client) Issue(ctx context.Context, record domain.RendezvousRecord) (domain.RendezvousCode, error) {
	body, err := domain.EncodeRecord(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	var resp IssueResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(), "", body, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	if !resp.Code.Valid() {
		return "", fmt.Errorf("server returned malformed code %q: %w", resp.Code, domain.ErrInvalidCode)
	}

	c.mu.Lock()
	c.tokens[resp.Code] = resp.EvictToken
	c.mu.Unlock()
	return resp.Code, nil
}

func (c *Client) Resolve(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error) {
	if err := validation.ValidateCode(string(code)); err != nil {
		return domain.RendezvousRecord{}, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.endpoint(string(code)), "", nil, http.StatusOK, &raw); err != nil {
		return domain.RendezvousRecord{}, err
	}
	return domain.DecodeRecord(code, raw)
}

// Evict deletes a code this client issued.
func (c *Client) Evict(ctx context.Context, code domain.RendezvousCode) error {
	c.mu.Lock()
	token, ok := c.tokens[code]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no evict token held for code %s", code)
	}

	if err := c.do(ctx, http.MethodDelete, c.endpoint(string(code)), token, nil, http.StatusNoContent, nil); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.tokens, code)
	c.mu.Unlock()
	return nil
}

func (c *Client) PostAnswer(ctx context.Context, code domain.RendezvousCode, answer domain.RendezvousRecord) error {
	if err := validation.ValidateCode(string(code)); err != nil {
		return err
	}
	body, err := domain.EncodeRecord(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.endpoint(string(code), "answer"), "", body, http.StatusNoContent, nil)
}

// AwaitAnswer opens the answer relay socket and blocks until the server
// pushes the answer, reports an error, or ctx ends.
func (c *Client) AwaitAnswer(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error) {
	if err := validation.ValidateCode(string(code)); err != nil {
		return domain.RendezvousRecord{}, err
	}

	wsURL, err := url.Parse(c.endpoint(string(code), "answer", "ws"))
	if err != nil {
		return domain.RendezvousRecord{}, err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return domain.RendezvousRecord{}, decodeError(resp)
		}
		return domain.RendezvousRecord{}, fmt.Errorf("failed to open answer relay: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var msg RelayMessage
	if err := conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return domain.RendezvousRecord{}, ctx.Err()
		}
		return domain.RendezvousRecord{}, fmt.Errorf("answer relay closed: %w", err)
	}

	switch msg.Type {
	case MessageAnswer:
		return domain.DecodeRecord(code, msg.Record)
	default:
		return domain.RendezvousRecord{}, fmt.Errorf("answer relay: %s", msg.Error)
	}
}

func (c *Client) do(ctx context.Context, method, target, token string, body []byte, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

const maxResponseBytes = 1 << 20

// decodeError maps an API error response back onto the domain sentinels.
func decodeError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&e)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrCodeNotFound
	case http.StatusBadRequest:
		if e.Error == "INVALID_CODE" {
			return domain.ErrInvalidCode
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidRecord, e.Message)
	}

	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("rendezvous server returned %d: %s", resp.StatusCode, utils.TruncateString(msg, 200))
}
