package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timebank/internal/config"
	"timebank/internal/metrics"
	"timebank/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain entry points both transports call into.
type Services struct {
	Users    *service.UserService
	Ledger   *service.LedgerService
	Slots    *service.SlotService
	Bookings *service.BookingService
	Reviews  *service.ReviewService
	DB       Pinger
}

// HTTPServer exposes the marketplace as a JSON API.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	logger *zerolog.Logger
	auth   *HTTPAuth
	router chi.Router
	server *http.Server
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		auth:   NewHTTPAuth(cfg),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", s.auth.apiKeyHeader(), s.auth.userHeader()},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", s.handleRegisterUser)
			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/", s.handleGetUser)
				r.Get("/balance", s.handleGetBalance)
				r.Get("/ledger", s.handleListLedger)
				r.Get("/statement.xlsx", s.handleStatement)
				r.Get("/reconcile", s.handleReconcileUser)
			})
		})
		r.Get("/ledger/reconcile", s.handleReconcileAll)

		r.Route("/slots", func(r chi.Router) {
			r.Get("/", s.handleListSlots)
			r.Post("/", s.handleCreateSlot)
			r.Route("/{slotID}", func(r chi.Router) {
				r.Get("/", s.handleGetSlot)
				r.Patch("/", s.handleEditSlot)
				r.Delete("/", s.handleDeleteSlot)
				r.Post("/bookings", s.handleRequestBooking)
			})
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Get("/", s.handleListBookings)
			r.Route("/{bookingID}", func(r chi.Router) {
				r.Get("/", s.handleGetBooking)
				r.Post("/confirm", s.handleConfirm)
				r.Post("/decline", s.handleDecline)
				r.Post("/cancel", s.handleCancel)
				r.Post("/complete", s.handleComplete)
				r.Post("/no-show", s.handleNoShow)
				r.Get("/review", s.handleCanReview)
				r.Post("/review", s.handleMarkReviewed)
			})
		})
	})

	return r
}

// Handler returns the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.IncHTTP(route, strconv.Itoa(code))

		event := s.logger.Info()
		if code >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", code).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.DB.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// actor returns the acting user id set by the fronting layer, or writes a
// 401 and returns false.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(s.auth.userHeader()))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+s.auth.userHeader()+" header")
		return "", false
	}
	return id, true
}

// writeDomainError maps a service error to its status and logs server-side
// failures.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	k := classify(err)
	if k.http >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, k.http, k.code, publicMessage(k, err))
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func splitCSV(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type pageParams struct {
	limit  uint64
	offset uint64
}

func parsePage(r *http.Request) (pageParams, error) {
	var p pageParams
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid limit %q", v)
		}
		p.limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid offset %q", v)
		}
		p.offset = n
	}
	return p, nil
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s; expected RFC3339", name)
	}
	t = t.UTC()
	return &t, nil
}
