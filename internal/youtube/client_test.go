package youtube

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"channel-pipeline/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	if opts.APIKey == "" {
		opts.APIKey = "test-key"
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Millisecond
		opts.BackoffMax = 2 * time.Millisecond
	}
	return New(opts, zap.NewNop())
}

func TestSearchChannelsByHandle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("forHandle") != "@acme" || q.Get("key") != "test-key" || q.Get("part") != "snippet" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"UC123","snippet":{"title":"Acme"}}]}`))
	}, Options{})

	got, err := c.SearchChannels(context.Background(), models.ChannelQuery{Text: "acme", Handle: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "UC123" || got[0].Name != "Acme" {
		t.Fatalf("unexpected channels: %+v", got)
	}
}

func TestSearchChannelsByText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/search" || q.Get("q") != "acme" || q.Get("type") != "channel" || q.Get("maxResults") != "1" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":{"kind":"youtube#channel","channelId":"UC9"},"snippet":{"title":"Acme Corp","channelTitle":"Acme"}}]}`))
	}, Options{})

	got, err := c.SearchChannels(context.Background(), models.ChannelQuery{Text: "acme"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "UC9" || got[0].Name != "Acme" {
		t.Fatalf("unexpected channels: %+v", got)
	}
}

func TestSearchChannelsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}, Options{})
	got, err := c.SearchChannels(context.Background(), models.ChannelQuery{Text: "nobody", Handle: true})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no channels, got %+v err=%v", got, err)
	}
}

func TestListRecentItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("channelId") != "UC123" || q.Get("order") != "date" || q.Get("type") != "video" || q.Get("maxResults") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[
			{"id":{"videoId":"v2"},"snippet":{"title":"second","publishedAt":"2024-05-02T10:00:00Z","thumbnails":{"default":{"url":"d2"},"high":{"url":"h2"}}}},
			{"id":{"videoId":"v1"},"snippet":{"title":"first","publishedAt":"2024-05-01T10:00:00Z","thumbnails":{"default":{"url":"d1"}}}},
			{"id":{"channelId":"UCx"},"snippet":{"title":"not a video"}}
		]}`))
	}, Options{})

	items, err := c.ListRecentItems(context.Background(), "UC123", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	first := items[0]
	if first.ItemID != "v2" || first.URL != "https://www.youtube.com/watch?v=v2" || first.ThumbnailURL != "h2" {
		t.Fatalf("unexpected item: %+v", first)
	}
	if !first.PublishedAt.Equal(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected publishedAt %s", first.PublishedAt)
	}
	if items[1].ThumbnailURL != "d1" {
		t.Fatalf("expected default thumbnail fallback, got %q", items[1].ThumbnailURL)
	}
}

func TestListRecentItemsSkipsUnreadableDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[
			{"id":{"videoId":"v3"},"snippet":{"title":"third","publishedAt":"yesterday"}},
			{"id":{"videoId":"v2"},"snippet":{"title":"second","publishedAt":""}},
			{"id":{"videoId":"v1"},"snippet":{"title":"first","publishedAt":"2024-05-01T10:00:00Z"}}
		]}`))
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.WarnLevel)
	c := New(Options{BaseURL: srv.URL, APIKey: "test-key"}, zap.New(core))

	items, err := c.ListRecentItems(context.Background(), "UC123", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "v1" {
		t.Fatalf("expected only the dated item, got %+v", items)
	}
	skipped := logs.FilterMessage("skipping item with unreadable publish date").All()
	if len(skipped) != 2 || skipped[0].ContextMap()["item_id"] != "v3" {
		t.Fatalf("expected a warning per skipped item, got %d", len(skipped))
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"items":[{"id":"UC1","snippet":{"title":"A"}}]}`))
		}
	}, Options{MaxAttempts: 3})

	got, err := c.SearchChannels(context.Background(), models.ChannelQuery{Text: "a", Handle: true})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected success after retries, got %+v err=%v", got, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
	}, Options{MaxAttempts: 2})

	_, err := c.ListRecentItems(context.Background(), "UC1", 5)
	if !errors.Is(err, models.ErrTransient) || !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota exceeded"}}`))
	}, Options{MaxAttempts: 3})

	_, err := c.ListRecentItems(context.Background(), "UC1", 5)
	if err == nil || errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestPerCallTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 1})

	start := time.Now()
	_, err := c.ListRecentItems(context.Background(), "UC1", 5)
	if !errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected transient timeout error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Options{}, zap.NewNop())
	if _, err := c.ListRecentItems(context.Background(), "UC1", 5); !errors.Is(err, models.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}
