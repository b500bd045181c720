package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	purchasePayload = `{"quantity":3.5,"unit":"g","amount":42.5,"dispensary":"Pierre"}`
	summaryPayload  = `{"percentage":90,"status":"critical","message":"Critical: Near allotment limit","colorHint":"text-red-600","daysUntilReset":20}`
)

func gzipBody(t *testing.T, s string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		require.NoError(t, err)
		defer gr.Close()
		r = gr
	}

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(body)
}

func TestGzipMiddleware_Responses(t *testing.T) {
	tests := []struct {
		name           string
		acceptEncoding string
		contentType    string
		payload        string
		wantEncoding   string
	}{
		{
			name:           "summary json is compressed",
			acceptEncoding: "gzip, deflate, br",
			contentType:    "application/json",
			payload:        summaryPayload,
			wantEncoding:   "gzip",
		},
		{
			name:           "json with charset is compressed",
			acceptEncoding: "gzip",
			contentType:    "application/json; charset=utf-8",
			payload:        summaryPayload,
			wantEncoding:   "gzip",
		},
		{
			name:           "client without gzip gets plain json",
			acceptEncoding: "",
			contentType:    "application/json",
			payload:        summaryPayload,
		},
		{
			name:           "health text is not compressed",
			acceptEncoding: "gzip",
			contentType:    "text/plain; charset=utf-8",
			payload:        "OK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/allotment/summary", nil)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.payload))
			})).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, tt.contentType, res.Header.Get("Content-Type"))
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))
			if tt.wantEncoding == "gzip" {
				assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
			} else {
				assert.Empty(t, res.Header.Get("Vary"))
			}
			assert.Equal(t, tt.payload, readBody(t, res))
		})
	}
}

func TestGzipMiddleware_CompressedPurchaseRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/purchases", gzipBody(t, purchasePayload))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	var received string
	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, r.Body.Close())
		received = string(body)

		assert.Empty(t, r.Header.Get("Content-Encoding"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"allotment exceeded"}`))
	})).ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	assert.Equal(t, purchasePayload, received)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.True(t, strings.Contains(readBody(t, res), "allotment exceeded"))
}

func TestGzipMiddleware_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/purchases", strings.NewReader(purchasePayload))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGzipMiddleware_NoContent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/purchases", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Zero(t, w.Body.Len())
}

func TestGzipMiddleware_KeepsUpstreamEncoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	precompressed, err := io.ReadAll(gzipBody(t, summaryPayload))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(precompressed)
	})).ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()
	assert.Equal(t, summaryPayload, readBody(t, res), "body must not be compressed twice")
}
