package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/miru/internal/models"
)

func TestClient_Search(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var q models.SearchQuery
		_ = json.NewDecoder(r.Body).Decode(&q)
		if strings.TrimSpace(q.Query) == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":"invalid argument: query cannot be empty"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"query":"` + q.Query + `","count":1,"query_time_ms":3,
			"results":[{"id":"a.jpg","path":"/p/a.jpg","image_url":"/images/a.jpg","similarity":0.8,"rank":1,
			"metadata":{"path":"/p/a.jpg"}}]}`))
	}))
	defer ts.Close()

	c := NewClient(strings.TrimPrefix(ts.URL, "http://"), time.Second)
	resp, err := c.Search(context.Background(), "cats", 3)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Results[0].ID != "a.jpg" || resp.Results[0].Path() != "/p/a.jpg" {
		t.Errorf("response = %+v", resp)
	}

	_, err = c.Search(context.Background(), " ", 3)
	if !errors.Is(err, models.ErrInvalidArgument) || !strings.Contains(err.Error(), "query cannot be empty") {
		t.Errorf("err = %v", err)
	}
}

func TestClient_Stats(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"total_records":7,"dimension":512,"index_type":"memory","index_size":7,"disk_usage_bytes":4096}`))
	}))
	defer ts.Close()

	stats, err := NewClient(ts.URL+"/", time.Second).Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 7 || stats.Dimension != 512 || stats.DiskUsageBytes != 4096 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClient_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).Stats(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want 503", err)
	}
}
