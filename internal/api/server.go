// Package api exposes the verification service over HTTP: a single
// endpoint whose requests are discriminated by the type header, answered
// with a Status header of OK or NOK and a textual or document body.
package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/metrics"
	"github.com/tkratochvila/verify-go-rewrite/internal/service"
)

// Server is the HTTP front of the verification service.
type Server struct {
	svc     *service.VerificationService
	metrics *metrics.Metrics
	httpSrv *http.Server
}

// NewServer builds the server for the given listen address.
func NewServer(svc *service.VerificationService, m *metrics.Metrics, addr string) *Server {
	s := &Server{svc: svc, metrics: m}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.httpSrv = &http.Server{
		Addr:           addr,
		Handler:        s.loggingMiddleware(mux),
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start begins serving. It returns once the listener is bound; serve errors
// other than graceful shutdown are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", s.httpSrv.Addr).Msg("Verification server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	req := parseRequest(r)
	status, body := s.dispatch(req)

	if s.metrics != nil {
		s.metrics.Requests.WithLabelValues(req.Kind.String(), status).Inc()
	}

	w.Header().Set("Status", status)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("remote_addr", r.RemoteAddr).
			Str("type", r.Header.Get("type")).
			Str("cmd", r.Header.Get("cmd")).
			Dur("duration", time.Since(started)).
			Msg("Request handled")
	})
}
