package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultInfoURL is the public info endpoint.
const DefaultInfoURL = "https://api.hyperliquid.xyz/info"

// ErrRateLimited indicates the upstream rejected the call for rate-limit
// reasons. Callers should report it to the governor and retry later.
var ErrRateLimited = errors.New("hyperliquid: rate limited")

// ErrMalformed indicates the upstream returned a body we could not decode.
// Retrying will not help; the job store escalates it to a terminal failure.
var ErrMalformed = errors.New("hyperliquid: malformed response")

// Fill is one executed trade as returned by userFillsByTime. px and sz are
// decimal strings and must stay strings until bound to NUMERIC columns.
type Fill struct {
	Time int64  `json:"time"` // ms since epoch
	Coin string `json:"coin"`
	Side string `json:"side"` // "A" (ask) or "B" (bid)
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Hash string `json:"hash"`
	Tid  int64  `json:"tid"`
}

// Client calls the Hyperliquid info endpoint. It is safe for concurrent use.
type Client struct {
	infoURL string
	http    *http.Client
}

func NewClient(infoURL string) *Client {
	if infoURL == "" {
		infoURL = DefaultInfoURL
	}
	return &Client{
		infoURL: infoURL,
		// A stuck upstream call must not occupy a worker past its lease.
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchFills returns all fills for user since startMillis (inclusive-ish;
// the upstream caps responses at ~2000 items, newest gaps are closed by
// subsequent polls with an advanced cursor). Negative startMillis is
// rejected upstream, so it is clamped to 0 here.
func (c *Client) FetchFills(ctx context.Context, user string, startMillis int64) ([]Fill, error) {
	if startMillis < 0 {
		startMillis = 0
	}

	reqBody := struct {
		Type      string `json:"type"`
		User      string `json:"user"`
		StartTime int64  `json:"startTime"`
	}{
		Type:      "userFillsByTime",
		User:      strings.ToLower(user),
		StartTime: startMillis,
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.infoURL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hlscan/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status 429", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded slice of the body; rate-limit rejections sometimes
		// arrive as plain-text 4xx instead of 429.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if IsRateLimitMessage(string(snippet)) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(snippet)))
		}
		return nil, fmt.Errorf("hyperliquid status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var fills []Fill
	if err := json.NewDecoder(resp.Body).Decode(&fills); err != nil {
		return nil, fmt.Errorf("%w: decode userFillsByTime: %v", ErrMalformed, err)
	}
	return fills, nil
}

// IsRateLimitMessage reports whether an upstream message body or error text
// describes a rate-limit rejection.
func IsRateLimitMessage(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "rate limit") || strings.Contains(ls, "too many")
}

// IsRateLimited reports whether err is a rate-limit rejection, either via
// the sentinel or by message content from deeper layers.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return IsRateLimitMessage(err.Error())
}
