package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/diskwarden/internal/logfields"
)

// HTTPServer exposes the Prometheus metrics endpoint and a small status
// surface for operators.
type HTTPServer struct {
	daemon *Daemon
	server *http.Server
}

// NewHTTPServer creates the observability endpoint listener.
func NewHTTPServer(addr string, d *Daemon) *HTTPServer {
	mux := http.NewServeMux()
	s := &HTTPServer{daemon: d}

	if d.promRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.promRegistry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *HTTPServer) Start() error {
	slog.Info("starting observability endpoint", slog.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("observability endpoint failed", logfields.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.daemon.Status() == StatusRunning {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, string(s.daemon.Status()), http.StatusServiceUnavailable)
}

type statusResponse struct {
	Status        Status    `json:"status"`
	EntryID       int64     `json:"entry_id"`
	Hostname      string    `json:"hostname"`
	Region        string    `json:"region"`
	Backend       string    `json:"backend"`
	StartTime     time.Time `json:"start_time"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	QueuedWork    int       `json:"queued_work"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	d := s.daemon
	resp := statusResponse{
		Status:        d.Status(),
		EntryID:       d.entryID,
		Hostname:      d.config.Host.Hostname,
		Region:        d.config.Host.Region,
		Backend:       d.config.Host.Backend,
		StartTime:     d.startTime,
		UptimeSeconds: time.Since(d.startTime).Seconds(),
		QueuedWork:    d.requests.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("encode status response", logfields.Error(err))
	}
}
