package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/0xc0d3d00d/heatmap/internal/fanout"
)

type registry interface {
	Register(ctx context.Context, conn fanout.Conn, remoteAddr string, prefs fanout.Preferences) *fanout.Subscriber
	Unregister(sub *fanout.Subscriber)
}

type Server struct {
	srv   *http.Server
	ready func() bool
}

type Option func(*Server)

// WithReadiness reports NOT_SERVING on /readyz while ready returns false.
func WithReadiness(ready func() bool) Option {
	return func(s *Server) {
		s.ready = ready
	}
}

func New(
	ctx context.Context,
	address string,
	subscribers registry,
	opts ...Option,
) (*Server, error) {
	s := &Server{
		ready: func() bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// Readings of the otel prometheus exporter
	mux.Handle("/metrics", promhttp.Handler())

	// Snapshot subscriptions
	mux.HandleFunc("GET /{$}", subscribeHandleFunc(subscribers))

	// Liveliness and readiness probes
	mux.HandleFunc("/healthz", healthZHandleFunc())
	mux.HandleFunc("/readyz", readyZHandleFunc(ctx, s.ready))

	s.srv = &http.Server{
		Addr: address,
		// Use h2c, so we can serve HTTP/2 without TLS.
		Handler: h2c.NewHandler(
			mux,
			&http2.Server{},
		),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
		MaxHeaderBytes:    16 * 1024, // 16KiB
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
	}

	return s, nil
}

func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var (
	statusHealthy    = []byte(`{"status":"HEALTHY"}`)
	statusNotServing = []byte(`{"status":"NOT_SERVING"}`)
	statusServing    = []byte(`{"status":"SERVING"}`)
)

func readyZHandleFunc(ctx context.Context, ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if ctx.Err() != nil || !ready() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(statusNotServing)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(statusServing)
	}
}

func healthZHandleFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(statusHealthy)
	}
}
