// Package youtube is a small client for the YouTube Data API v3 covering
// channel lookup and recent upload listing.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"channel-pipeline/internal/backoff"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/telemetry"
)

const watchURL = "https://www.youtube.com/watch?v="

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RateLimit caps outgoing requests per second. Zero disables the limiter.
	RateLimit  float64
	HTTPClient *http.Client
}

// Client calls the Data API with a per-request timeout and retries
// network failures, 429 and 5xx answers with jittered backoff.
type Client struct {
	baseURL     string
	apiKey      string
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter
	httpClient  *http.Client
	logger      *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffInitial,
		backoffMax:  opts.BackoffMax,
		httpClient:  opts.HTTPClient,
		logger:      logger,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// SearchChannels resolves a handle through channels.list and a free-text
// query through search.list. It returns at most one candidate.
func (c *Client) SearchChannels(ctx context.Context, q models.ChannelQuery) ([]models.Channel, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}

	if q.Handle {
		params := url.Values{}
		params.Set("part", "snippet")
		params.Set("forHandle", "@"+strings.TrimPrefix(text, "@"))

		var resp channelListResponse
		if err := c.get(ctx, "channels.list", "channels", params, &resp); err != nil {
			return nil, err
		}
		out := make([]models.Channel, 0, len(resp.Items))
		for _, it := range resp.Items {
			if it.ID == "" {
				continue
			}
			out = append(out, models.Channel{ID: it.ID, Name: it.Snippet.Title})
		}
		return out, nil
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "channel")
	params.Set("q", text)
	params.Set("maxResults", "1")

	var resp searchResponse
	if err := c.get(ctx, "search.channels", "search", params, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Channel, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ID.ChannelID == "" {
			continue
		}
		name := it.Snippet.ChannelTitle
		if name == "" {
			name = it.Snippet.Title
		}
		out = append(out, models.Channel{ID: it.ID.ChannelID, Name: name})
	}
	return out, nil
}

// ListRecentItems returns up to max uploads of channelID, newest first as
// ordered by the API.
func (c *Client) ListRecentItems(ctx context.Context, channelID string, max int) ([]models.Item, error) {
	if max <= 0 {
		max = 5
	}
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("channelId", channelID)
	params.Set("order", "date")
	params.Set("type", "video")
	params.Set("maxResults", strconv.Itoa(max))

	var resp searchResponse
	if err := c.get(ctx, "search.videos", "search", params, &resp); err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ID.VideoID == "" {
			continue
		}
		// Items without a readable publish date cannot be ranked.
		published, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt)
		if err != nil {
			c.logger.Warn("skipping item with unreadable publish date",
				zap.String("channel_id", channelID),
				zap.String("item_id", it.ID.VideoID),
				zap.String("published_at", it.Snippet.PublishedAt),
				zap.Error(err),
			)
			continue
		}
		items = append(items, models.Item{
			ItemID:       it.ID.VideoID,
			Title:        it.Snippet.Title,
			URL:          watchURL + it.ID.VideoID,
			PublishedAt:  published,
			ThumbnailURL: it.Snippet.Thumbnails.best(),
		})
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, out any) error {
	if c.apiKey == "" {
		return models.ErrMissingAPIKey
	}
	params.Set("key", c.apiKey)
	endpoint := c.baseURL + "/" + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limiter: %w", op, err)
			}
		}

		retryable, err := c.do(ctx, op, endpoint, out)
		if err == nil {
			telemetry.ExternalRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}
		telemetry.ExternalRequests.WithLabelValues(op, "error").Inc()
		lastErr = err
		if !retryable || attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}

		wait := backoff.WithJitter(c.backoffBase, c.backoffMax, attempt)
		telemetry.ExternalRetries.WithLabelValues(op).Inc()
		c.logger.Warn("retrying youtube request",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return lastErr
}

// do performs one attempt. The bool reports whether the failure is worth
// retrying.
func (c *Client) do(ctx context.Context, op, endpoint string, out any) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return true, fmt.Errorf("%w: %s: %w", models.ErrTransient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("%w: %s: status %d: %s", models.ErrTransient, op, resp.StatusCode, apiErrorMessage(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, apiErrorMessage(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return false, nil
}

func apiErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return err.Error()
	}
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// IsTransient reports whether err came from a failure the client retried.
func IsTransient(err error) bool { return errors.Is(err, models.ErrTransient) }
