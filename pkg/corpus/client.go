// Package corpus provides the HTTP client for the external evidence
// retrieval service. The reasoning core consumes ranked hits with
// provenance; ranking and embedding stay on the service side.
package corpus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cdss-reasoning-server/internal/domain"
)

// Config configures the corpus client.
type Config struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"api_key"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit float64       `json:"rate_limit"`
	CacheTTL  time.Duration `json:"cache_ttl"`
}

// Client calls the retrieval service with a circuit breaker, a client
// side rate limit, and an optional Redis response cache.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	cache      *Cache
	log        *logrus.Logger
}

// NewClient builds a corpus client. cache may be nil to disable
// response caching.
func NewClient(config Config, cache *Cache, logger *logrus.Logger) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := config.RateLimit
	if limit == 0 {
		limit = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "evidence-corpus",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(limit), int(limit)),
		cache:      cache,
		log:        logger,
	}
}

type searchRequest struct {
	Query        string     `json:"query"`
	Disease      string     `json:"disease,omitempty"`
	UpdatedAfter *time.Time `json:"updated_after,omitempty"`
	TopK         int        `json:"top_k,omitempty"`
}

type searchResponse struct {
	Hits []domain.CorpusHit `json:"hits"`
}

// Search retrieves ranked hits for the query. Cached responses are
// served without touching the breaker or the rate limiter.
func (c *Client) Search(ctx context.Context, query string, filters domain.CorpusFilters) ([]domain.CorpusHit, error) {
	key := cacheKey(query, filters)
	if c.cache != nil {
		if hits, ok, err := c.cache.Get(ctx, key); err != nil {
			c.log.WithError(err).Debug("corpus cache read failed")
		} else if ok {
			return hits, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("corpus rate limit: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doSearch(ctx, query, filters)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: evidence corpus: %v", domain.ErrSourceUnavailable, err)
	}
	hits := result.([]domain.CorpusHit)

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, hits); err != nil {
			c.log.WithError(err).Debug("corpus cache write failed")
		}
	}
	return hits, nil
}

func (c *Client) doSearch(ctx context.Context, query string, filters domain.CorpusFilters) ([]domain.CorpusHit, error) {
	reqBody := searchRequest{
		Query:        query,
		UpdatedAfter: filters.UpdatedAfter,
		TopK:         filters.TopK,
	}
	if filters.Disease != nil {
		reqBody.Disease = string(*filters.Disease)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("corpus search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("corpus search returned %d: %s", resp.StatusCode, body)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return out.Hits, nil
}

func cacheKey(query string, filters domain.CorpusFilters) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%v|%d", query, filters.Disease, filters.UpdatedAfter, filters.TopK)
	return fmt.Sprintf("corpus:search:%x", h.Sum(nil)[:16])
}
