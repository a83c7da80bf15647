// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/httputil"
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checker runs the registered dependency checks for /readyz.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	log     *zap.Logger
}

func NewChecker(timeout time.Duration, log *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{checks: make(map[string]CheckFunc), timeout: timeout, log: log.Named("health")}
}

// Add registers a named check. A later Add with the same name replaces it.
func (c *Checker) Add(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check concurrently and returns the failures by name.
func (c *Checker) Run(ctx context.Context) map[string]string {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make([]CheckFunc, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = checks[i](ctx)
		}(i)
	}
	wg.Wait()

	failed := make(map[string]string)
	for i, err := range errs {
		if err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

func (c *Checker) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", c.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.Readyz).Methods(http.MethodGet)
}

// Healthz reports that the process is up.
func (c *Checker) Healthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports 503 when any dependency check fails.
func (c *Checker) Readyz(w http.ResponseWriter, r *http.Request) {
	failed := c.Run(r.Context())
	if len(failed) > 0 {
		c.log.Warn("not ready", zap.Any("failed", failed))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"failed": failed,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
