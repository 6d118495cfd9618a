package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func statusJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"created_at":"2024-05-01T10:00:00.000Z","url":"https://social.example/@me/%s","content":"<p>post %s</p>","in_reply_to_id":null,"media_attachments":[],"tags":[{"name":"go"}],"visibility":"public","sensitive":false,"account":{"id":"42"}}`,
		id, id, id)
}

func pageJSON(ids ...string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = statusJSON(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func newTestClient(t *testing.T, serverURL string, httpClient *http.Client, budget *RateBudget) *Client {
	t.Helper()
	if budget == nil {
		budget = NewRateBudget(RateBudgetOptions{Sleep: func(context.Context, time.Duration) error { return nil }})
	}
	client, err := NewClient(ClientOptions{
		InstanceURL: serverURL,
		AccountID:   "42",
		AccessToken: "token",
		HTTPClient:  httpClient,
		Budget:      budget,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client
}

func itemIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestFetchFollowsNextLinkAndReturnsOldestFirst(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/42/statuses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		q := r.URL.Query()
		switch q.Get("max_id") {
		case "":
			if q.Get("since_id") != "10" {
				t.Errorf("expected since_id on first page, got %q", q.Get("since_id"))
			}
			if q.Get("limit") != "40" {
				t.Errorf("expected limit 40, got %q", q.Get("limit"))
			}
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?limit=40&max_id=12>; rel="next", <%s/api/v1/accounts/42/statuses?min_id=13>; rel="prev"`, server.URL, server.URL))
			_, _ = w.Write([]byte(pageJSON("13", "12")))
		case "12":
			if q.Get("since_id") != "" {
				t.Errorf("expected since_id to be dropped after first page, got %q", q.Get("since_id"))
			}
			_, _ = w.Write([]byte(pageJSON("11")))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{SinceID: "10"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := strings.Join(itemIDs(result.Items), ","); got != "11,12,13" {
		t.Fatalf("expected oldest-first ids 11,12,13, got %s", got)
	}
	if result.Pages != 2 {
		t.Fatalf("expected 2 pages, got %d", result.Pages)
	}
	if !result.Exhausted {
		t.Fatalf("expected exhausted walk when no next link")
	}
	if result.Items[0].Tags[0] != "go" {
		t.Fatalf("expected tag go, got %v", result.Items[0].Tags)
	}
}

func TestFetchTruncatesToNewestMaxItems(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?max_id=13>; rel="next"`, server.URL))
		_, _ = w.Write([]byte(pageJSON("15", "14", "13")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{MaxItems: 2})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := strings.Join(itemIDs(result.Items), ","); got != "14,15" {
		t.Fatalf("expected newest two items oldest-first, got %s", got)
	}
	if result.Exhausted {
		t.Fatalf("truncated walk must not report exhaustion")
	}
}

func TestFetchStopsAtPageLimit(t *testing.T) {
	var calls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		id := strconv.Itoa(int(100 - call))
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?max_id=%s>; rel="next"`, server.URL, id))
		_, _ = w.Write([]byte(pageJSON(id)))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{PageLimit: 2})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Pages != 2 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 pages, got pages=%d calls=%d", result.Pages, atomic.LoadInt32(&calls))
	}
	if got := strings.Join(itemIDs(result.Items), ","); got != "98,99" {
		t.Fatalf("expected 98,99, got %s", got)
	}
}

func TestFetchAbortsWholeWalkOnFailure(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("max_id") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?max_id=12>; rel="next"`, server.URL))
			_, _ = w.Write([]byte(pageJSON("13", "12")))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{})
	if err == nil {
		t.Fatalf("expected fetch to fail")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected http 500 error, got %v", err)
	}
	if httpErr.Message != "boom" {
		t.Fatalf("expected remote error message, got %q", httpErr.Message)
	}
	if len(result.Items) != 0 {
		t.Fatalf("expected no items from a failed walk, got %d", len(result.Items))
	}
}

func TestFetchSkipsInvalidStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[` + statusJSON("21") + `,{"id":"not-a-number","created_at":"2024-05-01T00:00:00Z","content":""},{"id":"19"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Skipped != 2 {
		t.Fatalf("expected 2 skipped statuses, got %d", result.Skipped)
	}
	if len(result.Items) != 1 || result.Items[0].ID != "21" {
		t.Fatalf("expected only status 21, got %v", itemIDs(result.Items))
	}
}

func TestFetchWaitsAndRetriesAfterTooManyRequests(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var slept []time.Duration
	budget := NewRateBudget(RateBudgetOptions{
		Now: func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set(HeaderRateRemaining, "0")
			w.Header().Set(HeaderRateReset, strconv.FormatInt(now.Add(30*time.Second).Unix(), 10))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(pageJSON("30")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), budget)
	result, err := client.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("expected retry after 429 to succeed, got %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(result.Items))
	}
	if len(slept) != 1 || slept[0] != 30*time.Second {
		t.Fatalf("expected a single 30s wait, got %v", slept)
	}
}

func TestParseLinkHeader(t *testing.T) {
	links := ParseLinkHeader(`<https://a.example/x?max_id=1>; rel="next", <https://a.example/x?min_id=9>; rel="prev"`)
	if links["next"] != "https://a.example/x?max_id=1" {
		t.Fatalf("unexpected next link %q", links["next"])
	}
	if links["prev"] != "https://a.example/x?min_id=9" {
		t.Fatalf("unexpected prev link %q", links["prev"])
	}
	if len(ParseLinkHeader("")) != 0 {
		t.Fatalf("expected no links for empty header")
	}
}

func TestCompareIDsIsNumeric(t *testing.T) {
	if CompareIDs("9", "10") >= 0 {
		t.Fatalf("expected 9 < 10")
	}
	if CompareIDs("110", "109") <= 0 {
		t.Fatalf("expected 110 > 109")
	}
	if CompareIDs("007", "7") != 0 {
		t.Fatalf("expected leading zeros to be ignored")
	}
	if got := MaxID("11", "", "9", "100"); got != "100" {
		t.Fatalf("expected max id 100, got %s", got)
	}
}

func TestFetchSendsCorrelationID(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("X-Correlation-Id"))
		_, _ = w.Write([]byte("[]"))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		InstanceURL:   server.URL,
		AccountID:     "42",
		HTTPClient:    server.Client(),
		CorrelationID: "process-id",
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if _, err := client.Fetch(context.Background(), FetchOptions{}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, err := client.Fetch(WithCorrelationID(context.Background(), "run-1"), FetchOptions{}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 || got[0] != "process-id" || got[1] != "run-1" {
		t.Fatalf("unexpected correlation ids %v", got)
	}
}

func TestFetchStopsAtPageReachingSinceID(t *testing.T) {
	var calls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("max_id") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?max_id=12>; rel="next"`, server.URL))
			_, _ = w.Write([]byte(pageJSON("13", "12")))
		case "12":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/accounts/42/statuses?max_id=9>; rel="next"`, server.URL))
			_, _ = w.Write([]byte(pageJSON("11", "10", "9")))
		default:
			t.Errorf("walk must stop once a page reaches since_id, got %s", r.URL.RawQuery)
			_, _ = w.Write([]byte(pageJSON("8")))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{SinceID: "10"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := strings.Join(itemIDs(result.Items), ","); got != "11,12,13" {
		t.Fatalf("expected 11,12,13, got %s", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 requests, got %d", n)
	}
	if result.Exhausted {
		t.Fatalf("stopping at since_id is not the end of the timeline")
	}
}

func TestFetchReportsIDsOfSkippedStatuses(t *testing.T) {
	pendingMedia := `{"id":"22","created_at":"2024-05-01T10:00:00Z","url":"https://social.example/@me/22","content":"","media_attachments":[{"id":"m1","type":"image","url":null}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[` + statusJSON("23") + `,` + pendingMedia + `,{"id":"bad"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.Client(), nil)
	result, err := client.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Skipped != 2 {
		t.Fatalf("expected 2 skipped statuses, got %d", result.Skipped)
	}
	if strings.Join(result.SkippedIDs, ",") != "22" {
		t.Fatalf("expected skipped id 22, got %v", result.SkippedIDs)
	}
}

func TestValidateStatusRequiresALink(t *testing.T) {
	noLink := `{"id":"30","created_at":"2024-05-01T10:00:00Z","url":null,"content":"x"}`
	if _, err := ValidateStatus([]byte(noLink)); err == nil {
		t.Fatalf("expected status without url or uri to be rejected")
	}
	withURI := `{"id":"31","created_at":"2024-05-01T10:00:00Z","url":null,"uri":"https://social.example/users/me/statuses/31","content":"x"}`
	item, err := ValidateStatus([]byte(withURI))
	if err != nil {
		t.Fatalf("expected uri to be enough, got %v", err)
	}
	if item.URL != "https://social.example/users/me/statuses/31" {
		t.Fatalf("expected uri as link, got %q", item.URL)
	}
}
