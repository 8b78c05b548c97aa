package push

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
)

const (
	defaultServerTimeout = 10 * time.Second
	maxServerErrorBytes  = 16 << 10
)

// TokenSource returns the bearer token for server calls. An empty token sends
// the request with the API key only.
type TokenSource func(ctx context.Context) (string, error)

// HTTPServerConfig configures HTTPServer.
type HTTPServerConfig struct {
	// BaseURL is the push API root, e.g. https://api.example.com/push/v1.
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Tokens  TokenSource
}

// HTTPServer is a JSON REST client for the push registration server.
//
//	GET    /vapid-public-key  -> {"public_key": "..."}
//	POST   /subscriptions     <- Registration
//	DELETE /subscriptions     <- {"endpoint": "..."}
//	POST   /send              <- SendRequest -> SendResult
type HTTPServer struct {
	base   *url.URL
	apiKey string
	tokens TokenSource
	client *http.Client
	log    *slog.Logger
}

// NewHTTPServer validates cfg and builds the client. client may be nil.
func NewHTTPServer(cfg HTTPServerConfig, client *http.Client, log *slog.Logger) (*HTTPServer, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	base, err := url.Parse(raw)
	if raw == "" || err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("push: invalid server url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultServerTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{
		base:   base,
		apiKey: cfg.APIKey,
		tokens: cfg.Tokens,
		client: client,
		log:    log,
	}, nil
}

type vapidKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// VAPIDPublicKey fetches the application server key.
func (s *HTTPServer) VAPIDPublicKey(ctx context.Context) (string, error) {
	var out vapidKeyResponse
	if err := s.do(ctx, "push.VAPIDPublicKey", http.MethodGet, "/vapid-public-key", nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.PublicKey) == "" {
		return "", &ServerError{Op: "push.VAPIDPublicKey", Status: http.StatusOK, Msg: "empty public_key"}
	}
	return out.PublicKey, nil
}

// Register stores reg on the server.
func (s *HTTPServer) Register(ctx context.Context, reg Registration) error {
	return s.do(ctx, "push.Register", http.MethodPost, "/subscriptions", reg, nil)
}

// Unregister removes endpoint. An unknown endpoint is not an error.
func (s *HTTPServer) Unregister(ctx context.Context, endpoint string) error {
	err := s.do(ctx, "push.Unregister", http.MethodDelete, "/subscriptions",
		map[string]string{"endpoint": endpoint}, nil)

	var se *ServerError
	if errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusGone) {
		return nil
	}
	return err
}

// Send delivers req.Payload to every device of req.UserIDs.
func (s *HTTPServer) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var out SendResult
	if err := s.do(ctx, "push.Send", http.MethodPost, "/send", req, &out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

func (s *HTTPServer) do(ctx context.Context, op, method, path string, body, out any) error {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ServerError{Op: op, Err: err}
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return &ServerError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	if s.tokens != nil {
		tok, err := s.tokens(ctx)
		if err != nil {
			return &ServerError{Op: op, Status: http.StatusUnauthorized, Err: err}
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &ServerError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxServerErrorBytes))
		se := &ServerError{Op: op, Status: resp.StatusCode, Msg: serverMessage(b)}
		s.log.Debug("push.server.error", "op", op, "status", resp.StatusCode, "msg", se.Msg)
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxServerErrorBytes))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServerError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func serverMessage(b []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(b))
}
