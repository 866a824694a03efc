package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

func entityFixture() *habit.Habit {
	return &habit.Habit{
		LocalID:     1,
		OwnerUserID: 1,
		Title:       "Drink water",
		Kind:        habit.KindWater,
		Goal:        8,
		Unit:        "glasses",
		UpdatedAt:   time.Now().UTC(),
	}
}

func fastClient(baseURL string) *HTTPClient {
	c := NewHTTPClient(baseURL, "test-token", nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

// TestCreate_Success posts a habit and decodes the assigned id
func TestCreate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/habits" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}

		var in Entity
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		in.ID = 42
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	out, err := c.Create(context.Background(), Entity{UserID: 1, Title: "Drink water", Kind: "water"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if out.ID != 42 {
		t.Errorf("ID = %d, want 42", out.ID)
	}
	if out.Title != "Drink water" {
		t.Errorf("Title = %q", out.Title)
	}
}

// TestDoJSON_RetriesOn500 verifies transient failures are retried
func TestDoJSON_RetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if _, err := c.ListAll(context.Background(), 1); err != nil {
		t.Fatalf("ListAll() failed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

// TestDoJSON_RetryCeiling gives up after the bounded attempts
func TestDoJSON_RetryCeiling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	_, err := c.ListAll(context.Background(), 1)
	if err == nil {
		t.Fatal("ListAll() succeeded against an always-failing server")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("error = %v, want HTTPError 503", err)
	}
	// Initial attempt plus maxRetries.
	if calls.Load() != 4 {
		t.Errorf("server saw %d calls, want 4", calls.Load())
	}
}

// TestDoJSON_NoRetryOn404 leaves client errors alone
func TestDoJSON_NoRetryOn404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"not_found","message":"no such habit"}`))
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	_, err := c.Get(context.Background(), 7)
	if err == nil {
		t.Fatal("Get() succeeded on 404")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 404)", calls.Load())
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code != "not_found" || httpErr.Message != "no such habit" {
			t.Errorf("error payload not decoded: %+v", httpErr)
		}
	}
}

// TestHealth_NoRetry verifies health checks report failure immediately
func TestHealth_NoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("Health() succeeded on 502")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1", calls.Load())
	}
}

// TestParseRetryAfter covers the header formats
func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("2"); d != 2*time.Second {
		t.Errorf("parseRetryAfter(2) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v", d)
	}

	future := time.Now().Add(3 * time.Second).UTC().Format(time.RFC1123)
	if d := parseRetryAfter(future); d <= 0 || d > 3*time.Second {
		t.Errorf("parseRetryAfter(http-date) = %v", d)
	}
}

// TestRetryDelay_CappedBackoff verifies exponential growth with a ceiling
func TestRetryDelay_CappedBackoff(t *testing.T) {
	c := NewHTTPClient("http://example.test", "", nil)

	if d := c.retryDelay(1, ""); d != 100*time.Millisecond {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := c.retryDelay(2, ""); d != 200*time.Millisecond {
		t.Errorf("attempt 2 delay = %v", d)
	}
	if d := c.retryDelay(10, ""); d != 2*time.Second {
		t.Errorf("attempt 10 delay = %v, want capped at 2s", d)
	}
	// Retry-After wins over backoff but still respects the cap.
	if d := c.retryDelay(1, "1"); d != time.Second {
		t.Errorf("Retry-After delay = %v", d)
	}
	if d := c.retryDelay(1, "60"); d != 2*time.Second {
		t.Errorf("Retry-After over cap = %v, want 2s", d)
	}
}

// TestEntity_RoundTrip converts habit to wire form and back
func TestEntity_RoundTrip(t *testing.T) {
	remoteID := int64(5)
	h := entityFixture()
	h.RemoteID = &remoteID

	e := FromHabit(h)
	if e.ID != 5 || e.Title != h.Title || e.Kind != string(h.Kind) {
		t.Errorf("FromHabit() = %+v", e)
	}

	back := e.ToHabit()
	if back.Title != h.Title || back.Kind != h.Kind || back.Goal != h.Goal {
		t.Errorf("ToHabit() = %+v", back)
	}
	if back.Kind == "" {
		t.Error("ToHabit() lost the kind")
	}
}
