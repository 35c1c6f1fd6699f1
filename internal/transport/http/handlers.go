package transporthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/uniques/internal/cache"
	"example.com/uniques/internal/domain"
)

// Service is what the handlers need from uniques.Service.
type Service interface {
	Record(ctx context.Context, rawID string, ts time.Time) error
	CountDay(ctx context.Context, day domain.Day) (uint64, error)
	CountMonthToDate(ctx context.Context, day domain.Day) (uint64, error)
	Rewarm(ctx context.Context) error
	State() cache.State
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Service Service
	Logger  slog.Logger
	// Gatherer backs GET /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	APIKeys  map[string]struct{}
	// QueryRateLimit caps count requests per client IP per minute; 0 disables it.
	QueryRateLimit int
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyResp struct {
	Status string `json:"status"`
	Cache  string `json:"cache"`
}

// HandleReadyz reports ready while the cache is still warming: reads are
// served from the store until then.
func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Service.Ready(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readyResp{Status: "ready", Cache: d.Service.State().String()})
}

// --- Collect ---

func (d *ServerDeps) HandleCollect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ts time.Time
	if raw := q.Get("d"); raw != "" {
		var err error
		if ts, err = domain.ParseEpochSeconds("d", raw); err != nil {
			d.writeError(w, r, err)
			return
		}
	}
	if err := d.Service.Record(r.Context(), q.Get("cid"), ts); err != nil {
		d.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Counts ---

func (d *ServerDeps) HandleDailyUniques(w http.ResponseWriter, r *http.Request) {
	d.handleCount(w, r, d.Service.CountDay)
}

func (d *ServerDeps) HandleMonthlyUniques(w http.ResponseWriter, r *http.Request) {
	d.handleCount(w, r, d.Service.CountMonthToDate)
}

func (d *ServerDeps) handleCount(w http.ResponseWriter, r *http.Request, count func(context.Context, domain.Day) (uint64, error)) {
	day, err := domain.ParseQueryDay("d", r.URL.Query().Get("d"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	n, err := count(r.Context(), day)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.FormatUint(n, 10)))
}

// --- Admin ---

func (d *ServerDeps) HandleRewarm(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	if err := d.Service.Rewarm(r.Context()); err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readyResp{Status: "rewarmed", Cache: d.Service.State().String()})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteProblem(w, http.StatusNotFound, "not found", "", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", nil)
	})

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/collect", d.HandleCollect)
	r.Group(func(r chi.Router) {
		if d.QueryRateLimit > 0 {
			r.Use(httprate.Limit(d.QueryRateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					w.Header().Set("Retry-After", "60")
					WriteProblem(w, http.StatusTooManyRequests, "rate limit exceeded", "try again later", nil)
				})))
		}
		r.Get("/daily_uniques", d.HandleDailyUniques)
		r.Get("/monthly_uniques", d.HandleMonthlyUniques)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(APIKeyAuth(d.APIKeys))
		r.Use(BodyLimit(1 << 10))
		r.Post("/rewarm", d.HandleRewarm)
	})
	return r
}
