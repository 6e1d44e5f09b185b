package rpc

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config for the HTTP listener hosting the websocket endpoint.
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{ListenAddr: "127.0.0.1:8090", RequestTimeout: 5 * time.Second}
}

// Server hosts the websocket endpoint, the metrics endpoint and a
// health probe on one listener.
type Server struct {
	cfg  Config
	ws   *WebSocketServer
	http *http.Server
}

// NewServer builds the HTTP server around the websocket handler.
func NewServer(cfg Config, handlers *Handlers, gatherer prometheus.Gatherer) *Server {
	ws := NewWebSocketServer(handlers)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		cfg: cfg,
		ws:  ws,
		http: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("rpc listening on %s", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown disconnects websocket clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.CloseAll()
	return s.http.Shutdown(ctx)
}
