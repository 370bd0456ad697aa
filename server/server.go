package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/jaliph/wa-relay/api"
	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/utils"
)

// Server represents the HTTP server
type Server struct {
	cfg     config.ServerConfig
	handler *api.Handler
	metrics http.Handler
	http    *http.Server
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(cfg config.ServerConfig, handler *api.Handler, metrics http.Handler) *Server {
	s := &Server{cfg: cfg, handler: handler, metrics: metrics}
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the request multiplexer
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	auth := s.basicAuth

	mux.Handle("/web/", auth(http.StripPrefix("/web/", http.FileServer(http.Dir(s.cfg.WebDir)))))
	mux.Handle("GET /api/status", auth(http.HandlerFunc(s.handler.HandleStatus)))
	mux.Handle("GET /api/messages", auth(http.HandlerFunc(s.handler.HandleMessages)))
	mux.Handle("GET /api/deliveries", auth(http.HandlerFunc(s.handler.HandleDeliveries)))
	mux.Handle("GET /api/stats", auth(http.HandlerFunc(s.handler.HandleStats)))

	mux.HandleFunc("GET /ws/status", s.handler.HandleStatusSocket)
	mux.HandleFunc("GET /api/qr", s.handler.HandleQR)
	mux.HandleFunc("POST /api/respuesta", s.handler.HandleResponse)
	mux.HandleFunc("POST /api/response", s.handler.HandleResponse)
	mux.HandleFunc("POST /api/botones", s.handler.HandleOptions)
	mux.HandleFunc("POST /api/options", s.handler.HandleOptions)
	mux.HandleFunc("GET /healthz", s.handler.HandleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// basicAuth gates the dashboard and its read endpoints
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="WhatsAppRelay"`)
			http.Error(w, "Authentication required.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	utils.Logger.Info("Starting HTTP server", "component", "server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
