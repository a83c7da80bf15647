package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(c *Checker, path string) *httptest.ResponseRecorder {
	r := mux.NewRouter()
	c.RegisterRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzAlwaysOK(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Add("db", func(context.Context) error { return errors.New("down") })

	assert.Equal(t, http.StatusOK, serve(c, "/healthz").Code)
}

func TestReadyzAllPassing(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Add("db", func(context.Context) error { return nil })
	c.Add("bus", func(context.Context) error { return nil })

	rec := serve(c, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestReadyzReportsFailures(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Add("db", func(context.Context) error { return nil })
	c.Add("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := serve(c, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Failed)
}

func TestRunAppliesTimeout(t *testing.T) {
	c := NewChecker(20*time.Millisecond, nil)
	c.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	failed := c.Run(context.Background())
	assert.Contains(t, failed["slow"], "deadline exceeded")
}
