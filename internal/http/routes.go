package httpx

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/service"
)

// RouterServices holds the collaborators needed by the HTTP router.
type RouterServices struct {
	Engine core.Engine
	Status *service.StatusService
	Stats  StatsProvider
	Logger *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Engine: services.Engine,
		Status: services.Status,
		Stats:  services.Stats,
	}
	registerJobRoutes(mux, jobHandlers)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.Handle("POST /api/jobs", http.HandlerFunc(h.SubmitJob))
	mux.Handle("GET /api/jobs/stats", http.HandlerFunc(h.GetStats))
	mux.Handle("GET /api/jobs/{id}", http.HandlerFunc(h.GetStatus))
	mux.Handle("POST /api/jobs/{id}/cancel", http.HandlerFunc(h.CancelJob))
	mux.Handle("POST /api/jobs/{id}/retry", http.HandlerFunc(h.RetryJob))
}

// healthHandler reports liveness. It carries no dependencies so load
// balancers can reach it even while the engine is draining.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	// Write errors are ignored; the client may be gone already.
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
