package elasticsearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"uptime/internal/config"
)

type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	search   string
}

func newFakeCluster(t *testing.T, search string) (*fakeCluster, *Client) {
	t.Helper()
	fc := &fakeCluster{bodies: map[string]string{}, search: search}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.ElasticsearchConfig{
		Enabled:     true,
		Addresses:   []string{srv.URL},
		IndexPrefix: "uptime-checks",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return fc, c
}

func (fc *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	fc.mu.Lock()
	fc.requests = append(fc.requests, key)
	fc.bodies[key] = string(body)
	fc.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/":
		io.WriteString(w, `{"version":{"number":"8.15.0"},"tagline":"You Know, for Search"}`)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		io.WriteString(w, fc.search)
	case strings.HasSuffix(r.URL.Path, "/_doc"):
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"result":"created"}`)
	default:
		io.WriteString(w, `{"acknowledged":true}`)
	}
}

func (fc *fakeCluster) body(key string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.bodies[key]
}

func TestNewClientDisabled(t *testing.T) {
	c, err := NewClient(config.ElasticsearchConfig{Enabled: false})
	if err != nil || c != nil {
		t.Fatalf("disabled client = %v, %v", c, err)
	}
	// nil client is a no-op
	if err := c.IndexCheck(context.Background(), &CheckDocument{}); err != nil {
		t.Fatalf("nil index: %v", err)
	}
	res, err := c.SearchChecks(context.Background(), &SearchQuery{})
	if err != nil || res.Total != 0 {
		t.Fatalf("nil search: %+v %v", res, err)
	}
}

func TestIndexCheckUsesDailyIndex(t *testing.T) {
	fc, c := newFakeCluster(t, `{}`)

	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	err := c.IndexCheck(context.Background(), &CheckDocument{
		MonitorID: 7,
		Status:    "down",
		Message:   "connection refused",
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	body := fc.body("POST /uptime-checks-2026.03.01/_doc")
	if body == "" {
		t.Fatalf("no index request, got %v", fc.requests)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc["monitor_id"] != float64(7) || doc["status"] != "down" {
		t.Fatalf("doc = %v", doc)
	}
	if doc["@timestamp"] != "2026-03-01T23:30:00Z" {
		t.Fatalf("timestamp = %v", doc["@timestamp"])
	}
}

func TestSearchChecks(t *testing.T) {
	fc, c := newFakeCluster(t, `{"hits":{"total":{"value":42},"hits":[
		{"_source":{"monitor_id":3,"status":"up","response_time":120,"@timestamp":"2026-03-01T10:00:00Z"}}]}}`)

	id := uint(3)
	res, err := c.SearchChecks(context.Background(), &SearchQuery{MonitorID: &id, Status: "up", Size: 500})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Total != 42 || len(res.Hits) != 1 || res.Hits[0].ResponseTime != 120 {
		t.Fatalf("result = %+v", res)
	}

	var query map[string]interface{}
	if err := json.Unmarshal([]byte(fc.body("POST /uptime-checks-*/_search")), &query); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if query["size"] != float64(100) {
		t.Fatalf("size = %v, want capped at 100", query["size"])
	}
}

func TestStatsAggregations(t *testing.T) {
	_, c := newFakeCluster(t, `{"hits":{"total":{"value":10}},"aggregations":{
		"status_count":{"buckets":[{"key":"up","doc_count":9},{"key":"down","doc_count":1}]},
		"avg_response_time":{"value":85.5}}}`)

	end := time.Now()
	stats, err := c.Stats(context.Background(), 3, end.Add(-24*time.Hour), end)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 10 || stats.ByStatus["up"] != 9 || stats.ByStatus["down"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AvgResponseTime != 85.5 {
		t.Fatalf("avg = %v", stats.AvgResponseTime)
	}
}

func TestCreateIndexTemplate(t *testing.T) {
	fc, c := newFakeCluster(t, `{}`)
	if err := c.CreateIndexTemplate(context.Background()); err != nil {
		t.Fatalf("template: %v", err)
	}
	body := fc.body("PUT /_index_template/uptime-checks-template")
	if !strings.Contains(body, `"uptime-checks-*"`) {
		t.Fatalf("template body = %q (requests %v)", body, fc.requests)
	}
}
