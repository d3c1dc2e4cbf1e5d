package es

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

	"skydump-go/internal/config"
	"skydump-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeES 模拟 Elasticsearch 的最小 HTTP 接口。
type fakeES struct {
	mu           sync.Mutex
	indexCreated bool
	docs         map[string]model.EsUploadDocument
	lastSearch   map[string]any
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")
	switch {
	case r.Method == http.MethodHead && len(segments) == 1:
		if f.indexCreated {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPut && len(segments) == 1:
		f.indexCreated = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(segments) == 3 && segments[1] == "_doc":
		var doc model.EsUploadDocument
		_ = json.NewDecoder(r.Body).Decode(&doc)
		f.docs[segments[2]] = doc
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	case len(segments) == 2 && segments[1] == "_search":
		_ = json.NewDecoder(r.Body).Decode(&f.lastSearch)
		type hit struct {
			ID     string                 `json:"_id"`
			Score  float64                `json:"_score"`
			Source model.EsUploadDocument `json:"_source"`
		}
		var hits []hit
		for id, doc := range f.docs {
			hits = append(hits, hit{ID: id, Score: 1.5, Source: doc})
		}
		resp := map[string]any{"hits": map[string]any{
			"total": map[string]any{"value": len(hits)},
			"hits":  hits,
		}}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"unexpected request"}`)
	}
}

func TestClient_IndexAndSearch(t *testing.T) {
	fake := &fakeES{docs: map[string]model.EsUploadDocument{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := InitES(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "skydump_uploads"})
	require.NoError(t, err)
	assert.True(t, fake.indexCreated)

	// 索引已存在时不再创建
	_, err = InitES(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "skydump_uploads"})
	require.NoError(t, err)

	ctx := context.Background()
	completed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, client.IndexUpload(ctx, model.EsUploadDocument{
		FileID:      "f1",
		FileName:    "holiday.mp4",
		FileSize:    1024,
		ContentType: "video/mp4",
		Username:    "admin",
		CompletedAt: completed,
	}))
	assert.Equal(t, "holiday.mp4", fake.docs["f1"].FileName)

	hits, total, err := client.SearchUploads(ctx, "holiday", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].ID)
	assert.Equal(t, "holiday.mp4", hits[0].FileName)
	assert.Equal(t, 1.5, hits[0].Score)
	assert.True(t, completed.Equal(time.Time(hits[0].CompletedAt)))

	assert.EqualValues(t, 10, fake.lastSearch["size"])
	assert.Contains(t, fake.lastSearch["query"], "multi_match")
}
