package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hatlonely/sqlgate/cfg"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `
CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL, qty INTEGER DEFAULT 0, owner INTEGER);
INSERT INTO orders (id, title, qty, owner) VALUES (1, 'first', 1, 7), (2, 'second', 2, 7), (3, 'third', 3, 8);
`

const config = `
database:
  driver: sqlite3
  dsn: ${SQLGATE_TEST_DSN}
  maxConns: 4
gateway:
  maxRecords: 50
cache:
  type: freecache
  freecache:
    size: 1048576
auth:
  rules:
    - table: orders
      verbs: [GET]
      filter: owner = {user_id}
http:
  rateLimit: ${SQLGATE_TEST_RATE}
  burst: 1
`

func newServer(t *testing.T, rateLimit string) *Server {
	dsn := "file:" + filepath.Join(t.TempDir(), "server.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := rdb.NewDBWithOptions(&rdb.Options{Driver: "sqlite3", DSN: dsn, MaxConns: 1})
	require.NoError(t, err)
	_, err = db.SQLDB().Exec(fixture)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	t.Setenv("SQLGATE_TEST_DSN", dsn)
	t.Setenv("SQLGATE_TEST_RATE", rateLimit)
	var options Options
	require.NoError(t, cfg.Decode([]byte(config), "yaml", &options))
	assert.Equal(t, "/api/v2", options.HTTP.Prefix)
	assert.Equal(t, "X-User-Id", options.HTTP.UserHeader)

	s, err := NewServerWithOptions(&options, WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func do(s *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRecords(t *testing.T) {
	s := newServer(t, "0")

	t.Run("health", func(t *testing.T) {
		w := do(s, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("tables", func(t *testing.T) {
		w := do(s, http.MethodGet, "/api/v2/db", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"resource":[{"name":"orders"}]}`, w.Body.String())
	})

	t.Run("server filter follows the user header", func(t *testing.T) {
		w := do(s, http.MethodGet, "/api/v2/db/orders?fields=id&order=id", "", "X-User-Id", "7")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"record":[{"id":1},{"id":2}]}`, w.Body.String())

		w = do(s, http.MethodGet, "/api/v2/db/orders/3", "", "X-User-Id", "7")
		assert.Equal(t, http.StatusNotFound, w.Code)
		out := decode(t, w)
		assert.Equal(t, "NotFound", out["error"].(map[string]any)["kind"])

		w = do(s, http.MethodGet, "/api/v2/db/orders", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		w = do(s, http.MethodGet, "/api/v2/db/orders", "", "X-User-Id", "  ")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = do(s, http.MethodGet, "/api/v2/db/orders?fields=id&filter="+url.QueryEscape("1=1)) OR ((1=1"), "", "X-User-Id", "7")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("create and update", func(t *testing.T) {
		w := do(s, http.MethodPost, "/api/v2/db/orders?fields=id,title", `{"title":"fourth","qty":"4","owner":8}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"id":4,"title":"fourth"}`, w.Body.String())

		w = do(s, http.MethodPost, "/api/v2/db/orders/4?fields=qty", `{"qty":5}`, "X-Http-Method", "PATCH")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"qty":5}`, w.Body.String())
	})

	t.Run("bad requests", func(t *testing.T) {
		w := do(s, http.MethodPost, "/api/v2/db/orders", `{"title":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		out := decode(t, w)
		assert.Equal(t, float64(400), out["error"].(map[string]any)["code"])

		w = do(s, http.MethodPost, "/api/v2/db/missing", `{"title":"x"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = do(s, "OPTIONS", "/api/v2/db/orders", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("request id", func(t *testing.T) {
		w := do(s, http.MethodGet, "/healthz", "", "X-Request-Id", "abc")
		assert.Equal(t, "abc", w.Header().Get("X-Request-Id"))

		w = do(s, http.MethodGet, "/healthz", "")
		assert.Len(t, w.Header().Get("X-Request-Id"), 36)
	})

	t.Run("metrics", func(t *testing.T) {
		w := do(s, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "sqlgate_http_requests_total")
	})
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, "0.001")

	w := do(s, http.MethodGet, "/api/v2/db", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(s, http.MethodGet, "/api/v2/db", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReload(t *testing.T) {
	s := newServer(t, "0")
	ctx := context.Background()

	orders, err := s.Introspector().Describe(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, orders.Field("qty").ValidationRules)
	assert.Equal(t, 1, s.Introspector().Cache().Len())

	path := filepath.Join(t.TempDir(), "reload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema:
  tables:
    orders:
      fields:
        qty:
          validation: min=0
`), 0644))
	var options Options
	require.NoError(t, cfg.Load(path, &options))
	s.Reload(ctx, &options)
	assert.Equal(t, 0, s.Introspector().Cache().Len())

	w := do(s, http.MethodGet, "/api/v2/db/_schema/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ts schema.TableSchema
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ts))
	assert.Equal(t, "min=0", ts.Field("qty").ValidationRules)

	w = do(s, http.MethodPut, "/api/v2/db/orders/1", `{"qty":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
