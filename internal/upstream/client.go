// Package upstream is the typed client for the library resource API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
)

// Entity is an upstream record decoded with json.Number for numbers.
type Entity map[string]any

// EntityRef is the id assigned by the upstream on create.
type EntityRef int64

// Attachment is a binary forwarded as the multipart "file" field.
type Attachment interface {
	FileName() string
	ContentType() string
	Open() (io.ReadCloser, error)
}

// Credentials for login and signup.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

const (
	IdempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 4096
)

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithMetrics(m *telemetry.Metrics) Option { return func(c *Client) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(c *Client) { c.logger = l } }

// New builds a client from the upstream section of the config.
func New(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		timeout: cfg.Timeout,
		logger:  slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateEntity posts payload and returns the id from {"id": n}.
func (c *Client) CreateEntity(ctx context.Context, path string, payload any, idemKey string) (EntityRef, error) {
	headers := http.Header{}
	if idemKey != "" {
		headers.Set(IdempotencyHeader, idemKey)
	}
	var out struct {
		ID json.Number `json:"id"`
	}
	if err := c.doJSON(ctx, "create", http.MethodPost, path, headers, payload, &out); err != nil {
		return 0, err
	}
	id, err := out.ID.Int64()
	if err != nil || id <= 0 {
		return 0, ErrMissingEntityRef
	}
	return EntityRef(id), nil
}

// AttachBinary uploads the attachment as multipart field "file".
func (c *Client) AttachBinary(ctx context.Context, path string, file Attachment) error {
	const op = "attach"
	src, err := file.Open()
	if err != nil {
		return transportError(op, fmt.Errorf("open attachment: %w", err))
	}
	defer src.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.FileName()))
	h.Set("Content-Type", file.ContentType())
	part, err := w.CreatePart(h)
	if err != nil {
		return transportError(op, err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return transportError(op, fmt.Errorf("read attachment: %w", err))
	}
	if err := w.Close(); err != nil {
		return transportError(op, err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", w.FormDataContentType())
	return c.do(ctx, op, http.MethodPost, path, headers, body.Bytes(), nil)
}

func (c *Client) UpdateEntity(ctx context.Context, path string, payload any) error {
	return c.doJSON(ctx, "update", http.MethodPut, path, nil, payload, nil)
}

func (c *Client) DeleteEntity(ctx context.Context, path string) error {
	return c.do(ctx, "delete", http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) GetEntity(ctx context.Context, path string) (Entity, error) {
	var out Entity
	if err := c.do(ctx, "get", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListEntities(ctx context.Context, path string) ([]Entity, error) {
	out := []Entity{}
	if err := c.do(ctx, "list", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, path, query string) ([]Entity, error) {
	out := []Entity{}
	full := path + "?" + url.Values{"query": {query}}.Encode()
	if err := c.do(ctx, "search", http.MethodGet, full, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Post sends payload as JSON. out may be nil.
func (c *Client) Post(ctx context.Context, path string, payload, out any) error {
	return c.doJSON(ctx, "post", http.MethodPost, path, nil, payload, out)
}

// Login returns the upstream session token.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, "login", http.MethodPost, "/login", nil, creds, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &Error{Kind: KindServerFault, Op: "login", Status: http.StatusOK, Message: "login response carried no token"}
	}
	return out.Token, nil
}

func (c *Client) Signup(ctx context.Context, creds Credentials) error {
	return c.doJSON(ctx, "signup", http.MethodPost, "/signup", nil, creds, nil)
}

// VerifyToken asks the upstream whether token is a live session. A 401 or
// 403 answer is (false, nil); other failures are returned as errors.
func (c *Client) VerifyToken(ctx context.Context, token string) (bool, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Cookie", (&http.Cookie{Name: "token", Value: token}).String())
	err := c.do(ctx, "verify", http.MethodGet, "/verify", headers, nil, nil)
	if err == nil {
		return true, nil
	}
	var ue *Error
	if errors.As(err, &ue) && ue.Kind == KindClientRejected &&
		(ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, headers http.Header, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("upstream %s: encode payload: %w", op, err)
		}
		body = b
		if headers == nil {
			headers = http.Header{}
		}
		headers.Set("Content-Type", "application/json")
	}
	return c.do(ctx, op, method, path, headers, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, headers http.Header, body []byte, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if k := KindOf(err); k != 0 {
			result = k.String()
		} else if err != nil {
			result = "error"
		}
		c.metrics.ObserveUpstream(op, result, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return transportError(op, fmt.Errorf("rate limit: %w", werr))
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("upstream %s: build request: %w", op, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("upstream_unreachable", "op", op, "method", method, "path", path, "err", err)
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, errorMessage(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	// an empty 2xx body leaves out at its zero value
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return transportError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage pulls a human message out of an error body: JSON "message"
// or "error" first, then the trimmed text itself.
func errorMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}
