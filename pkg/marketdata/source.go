// Package marketdata produces reference prices, bid/ask spreads and
// volume for tradable contracts, from an external feed when one is
// reachable and from a bounded random-walk simulation otherwise.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Quote is a single externally sourced price observation.
type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume float64 `json:"volume"`
}

// Source fetches quotes from an external feed. Implementations must
// honour ctx cancellation; the generator bounds every call with a
// short timeout and falls back to simulation on any error.
type Source interface {
	Fetch(ctx context.Context, symbol string) (*Quote, error)
	Name() string
}

// HTTPSource fetches quotes from a JSON HTTP endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source reading quotes from
// <baseURL>/quote?symbol=<symbol>.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return "http" }

// Fetch retrieves a quote for one symbol.
func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (*Quote, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s", s.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote fetch for %s: status %d", symbol, resp.StatusCode)
	}

	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if q.Price <= 0 {
		return nil, fmt.Errorf("quote for %s has non-positive price", symbol)
	}
	return &q, nil
}
