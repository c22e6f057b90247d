// Package relay exposes the dispatcher over HTTP so other services can send
// WeCom messages without holding the corp secret.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wecomagent/internal/dispatch"
	"wecomagent/internal/metrics"
	"wecomagent/pkg/wecom"
)

const maxBodyBytes = 1 << 20

// Dispatcher sends decoded requests. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, source string) (*dispatch.Result, error)
}

// Config configures the relay server.
type Config struct {
	Host       string
	Port       int
	Secret     string // HMAC secret for X-Signature-256; empty disables the check
	Dispatcher Dispatcher
	Metrics    *metrics.MetricsCollector // default metrics.Collector
	// MetricsPath mounts the Prometheus endpoint when non-empty.
	MetricsPath string
	// Health reports readiness for /healthz. Optional.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Server accepts send requests over HTTP.
type Server struct {
	addr       string
	secret     string
	dispatcher Dispatcher
	metrics    *metrics.MetricsCollector
	health     func(ctx context.Context) error
	logger     *slog.Logger
	handler    http.Handler
	server     *http.Server
}

// sentResponse is the 200 body.
type sentResponse struct {
	Status         string   `json:"status"`
	ID             string   `json:"id,omitempty"`
	MsgID          string   `json:"msgid,omitempty"`
	InvalidUser    []string `json:"invaliduser,omitempty"`
	InvalidParty   []string `json:"invalidparty,omitempty"`
	InvalidTag     []string `json:"invalidtag,omitempty"`
	UnlicensedUser []string `json:"unlicenseduser,omitempty"`
}

// rejectedResponse is the 422 body for vendor rejections.
type rejectedResponse struct {
	Status       string   `json:"status"`
	ID           string   `json:"id,omitempty"`
	ErrCode      int      `json:"errcode"`
	ErrMsg       string   `json:"errmsg"`
	InvalidUser  []string `json:"invaliduser,omitempty"`
	InvalidParty []string `json:"invalidparty,omitempty"`
	InvalidTag   []string `json:"invalidtag,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8086
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Collector
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		secret:     cfg.Secret,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		health:     cfg.Health,
		logger:     cfg.Logger,
	}
	s.handler = s.routes(cfg.MetricsPath)
	return s
}

func (s *Server) routes(metricsPath string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/messages", s.handleSend)
	if metricsPath != "" {
		r.Get(metricsPath, s.metrics.Handler())
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr is the listen address.
func (s *Server) Addr() string { return s.addr }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("relay server starting", "addr", s.addr, "signed", s.secret != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("relay server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RelayRequests(status).Inc()
		s.logger.Debug("relay request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	if s.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			respondError(w, http.StatusUnauthorized, "missing signature")
			return
		}
		if !verifyHMAC(body, s.secret, sig) {
			respondError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	req, err := dispatch.DecodeRequest(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), req, "relay")
	if err != nil {
		s.respondDispatchError(w, res, err)
		return
	}

	resp := res.Response
	respondJSON(w, http.StatusOK, sentResponse{
		Status:         "sent",
		ID:             res.DeliveryID,
		MsgID:          resp.MsgID,
		InvalidUser:    resp.InvalidUsers(),
		InvalidParty:   resp.InvalidParties(),
		InvalidTag:     resp.InvalidTags(),
		UnlicensedUser: resp.UnlicensedUsers(),
	})
}

func (s *Server) respondDispatchError(w http.ResponseWriter, res *dispatch.Result, err error) {
	var vendorErr *wecom.VendorError
	switch dispatch.Classify(err) {
	case metrics.ResultInvalid:
		respondError(w, http.StatusBadRequest, err.Error())
	case metrics.ResultVendor:
		errors.As(err, &vendorErr)
		body := rejectedResponse{Status: "rejected", ErrCode: vendorErr.Code, ErrMsg: vendorErr.Message}
		if res != nil {
			body.ID = res.DeliveryID
		}
		if vendorErr.Response != nil {
			body.InvalidUser = vendorErr.Response.InvalidUsers()
			body.InvalidParty = vendorErr.Response.InvalidParties()
			body.InvalidTag = vendorErr.Response.InvalidTags()
		}
		respondJSON(w, http.StatusUnprocessableEntity, body)
	default:
		s.logger.Warn("relay upstream failure", "err", err)
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Sign returns the X-Signature-256 header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
