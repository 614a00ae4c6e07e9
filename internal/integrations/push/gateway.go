// Package push talks to the external push gateway that fans notifications out to
// device tokens.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

const defaultTimeout = 10 * time.Second

// ErrUnavailable marks failures worth retrying: transport errors, timeouts and
// 5xx or 429 responses.
var ErrUnavailable = errors.New("push gateway unavailable")

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

type Payload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	TTL      time.Duration     `json:"-"`
	Priority Priority          `json:"priority"`
	Locale   string            `json:"locale,omitempty"`
}

type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultInvalid ResultStatus = "invalid"
	ResultFailed  ResultStatus = "failed"
)

type Result struct {
	Token  string       `json:"token"`
	Status ResultStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

type Gateway interface {
	SendBatch(ctx context.Context, tokens []string, payload Payload) ([]Result, error)
}

type HTTPGateway struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPGateway{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type batchRequest struct {
	Tokens     []string `json:"tokens"`
	TTLSeconds int64    `json:"ttlSeconds"`
	Payload
}

type batchResponse struct {
	Results []Result `json:"results"`
}

// SendBatch submits one request for all tokens. Tokens missing from the
// response are reported as failed.
func (g *HTTPGateway) SendBatch(ctx context.Context, tokens []string, payload Payload) ([]Result, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(batchRequest{Tokens: tokens, TTLSeconds: int64(payload.TTL / time.Second), Payload: payload})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("push: request rejected status=%d body=%s", resp.StatusCode, string(b))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("push: decode response: %w", err)
	}

	byToken := make(map[string]Result, len(out.Results))
	for _, r := range out.Results {
		byToken[r.Token] = r
	}
	results := make([]Result, len(tokens))
	for i, tok := range tokens {
		r, ok := byToken[tok]
		if !ok {
			r = Result{Token: tok, Status: ResultFailed, Error: "missing from gateway response"}
		}
		results[i] = r
	}
	return results, nil
}

// NoopGateway is used when no gateway is configured. Every token is reported ok.
type NoopGateway struct{}

func (NoopGateway) SendBatch(_ context.Context, tokens []string, payload Payload) ([]Result, error) {
	log.Printf("[PUSH] Gateway not configured, dropping %q for %d device(s)", payload.Title, len(tokens))
	results := make([]Result, len(tokens))
	for i, tok := range tokens {
		results[i] = Result{Token: tok, Status: ResultOK}
	}
	return results, nil
}

// New returns the HTTP gateway, or NoopGateway when baseURL is empty.
func New(baseURL, apiKey string, timeout time.Duration) Gateway {
	if baseURL == "" {
		return NoopGateway{}
	}
	return NewHTTPGateway(baseURL, apiKey, timeout)
}

// Summarize counts results and logs failures with shortened tokens.
func Summarize(results []Result) (ok, invalid, failed int) {
	for _, r := range results {
		switch r.Status {
		case ResultOK:
			ok++
		case ResultInvalid:
			invalid++
		default:
			failed++
			log.Printf("[PUSH] Delivery to %s failed: %s", domain.ShortToken(r.Token), r.Error)
		}
	}
	return ok, invalid, failed
}
