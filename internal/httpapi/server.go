package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/orchestrator"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/internal/store/postgres"
	"github.com/hania222/warehouse-fleet/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboard served from another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server, its store and the orchestrator behind it.
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	// Bus carries assignments to robots. Nil uses a fresh in-memory bus.
	Bus bus.Bus
	// Orchestrator options; Notifier is always the app's SSE hub.
	Orchestrator orchestrator.Options
}

// App holds the HTTP server, SSE hub, store, bus and the orchestrator.
// The caller runs Orch.Run alongside Server.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Store  store.Store
	Bus    bus.Bus
	Orch   *orchestrator.Orchestrator
	Home   string
}

// OpenStore opens the store named by opts (sqlite under Home, or postgres at DBURL).
func OpenStore(opts ServerOptions) (store.Store, error) {
	if opts.DBDriver == "postgres" {
		return postgres.Open(opts.DBURL)
	}
	return store.Open(opts.Home)
}

// NewApp opens the store, builds the orchestrator and registers all routes.
// The store is closed when the server shuts down.
func NewApp(opts ServerOptions) (*App, error) {
	st, err := OpenStore(opts)
	if err != nil {
		return nil, err
	}
	b := opts.Bus
	if b == nil {
		b = bus.NewMemoryBus()
	}
	hub := NewSSEHub()
	oopts := opts.Orchestrator
	oopts.Notifier = hub
	orch, err := orchestrator.New(st, b, oopts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, orch.Health())
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", plainMetrics(orch))
	}
	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		d, err := orch.Dashboard(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, d)
	})

	// --- Tasks ---
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			limit, ok := queryLimit(w, r, models.DefaultTaskListLimit)
			if !ok {
				return
			}
			tasks, err := orch.ListTasks(r.Context(), limit)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, emptyIfNil(tasks))
		case http.MethodPost:
			createTask(w, r, orch)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	// Older dashboards post to /tasks/create.
	mux.HandleFunc("/tasks/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		createTask(w, r, orch)
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
		taskID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			t, err := orch.GetTask(r.Context(), taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, t)
		case len(parts) == 2 && parts[1] == "fail" && r.Method == http.MethodPost:
			t, err := orch.FailTask(r.Context(), taskID)
			if errors.Is(err, orchestrator.ErrTaskFinished) {
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			}
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, t)
		case len(parts) == 1, len(parts) == 2 && parts[1] == "fail":
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	// --- Robots ---
	mux.HandleFunc("/robots", func(w http.ResponseWriter, r *http.Request) {
		robots, err := orch.ListRobots(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(robots))
	})
	mux.HandleFunc("/robots/", func(w http.ResponseWriter, r *http.Request) {
		robotID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/robots/"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid robot id")
			return
		}
		rb, err := orch.GetRobot(r.Context(), robotID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, rb)
	})

	// --- Event log ---
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryLimit(w, r, models.DefaultLogListLimit)
		if !ok {
			return
		}
		logs, err := orch.ListRecentEvents(r.Context(), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(logs))
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "fleet")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	return &App{Server: srv, Hub: hub, Store: st, Bus: b, Orch: orch, Home: opts.Home}, nil
}

func createTask(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var body models.CreateTask
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := orch.CreateTask(r.Context(), body)
	if errors.Is(err, orchestrator.ErrInvalidTask) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(t)
}

// plainMetrics serves task counts in Prometheus text format when no OTel
// handler was configured.
func plainMetrics(orch *orchestrator.Orchestrator) http.HandlerFunc {
	statuses := []string{models.StatusPending, models.StatusAssigned, models.StatusInProgress, models.StatusCompleted, models.StatusFailed}
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := orch.Store().CountTasksByStatus(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# TYPE fleet_tasks gauge\n")
		for _, s := range statuses {
			_, _ = fmt.Fprintf(w, "fleet_tasks{status=%q} %d\n", s, counts[s])
		}
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

// emptyIfNil keeps list endpoints returning [] rather than null.
func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
