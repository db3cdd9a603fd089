// Package api serves the dispatcher over HTTP and pushes completion events
// over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
)

const maxActionBytes = 64 << 10

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type Options struct {
	Backend        string
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *exchange.App
	router  *mux.Router
	hub     *Hub
	opts    Options
	logger  *zap.Logger
	handler http.Handler
}

func NewServer(app *exchange.App, hub *Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    hub,
		opts:   opts,
		logger: opts.Logger.Named("api"),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/actions", s.handleSubmitAction).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{number:[0-9]+}/positions/{instrumentId:[0-9]+}", s.handleGetPosition).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{id:[0-9]+}", s.handleGetInstrument).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{id:[0-9]+}/history/{day}", s.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{id:[0-9]+}/trades", s.handleGetTrades).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "api shutdown")
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	res, err := s.app.Submit(r.Context(), body)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	o, err := s.app.Order(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	number, _ := strconv.ParseInt(vars["number"], 10, 64)
	instrument, _ := strconv.ParseInt(vars["instrumentId"], 10, 64)

	p, err := s.app.Position(r.Context(), number, instrument)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	ins, err := s.app.Instrument(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ins)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	day := vars["day"]
	if !dayPattern.MatchString(day) {
		respondError(w, http.StatusBadRequest, "invalid day", "expected YYYY-MM-DD")
		return
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		respondError(w, http.StatusBadRequest, "invalid day", err.Error())
		return
	}

	d, err := s.app.DailyPrice(r.Context(), id, day)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	trades, err := s.app.RecentTrades(r.Context(), id, limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Backend: s.opts.Backend})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.IsAny(err, core.ErrAccountNotFound, core.ErrInstrumentNotFound, core.ErrOrderNotFound, exchange.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, core.ErrOrderClosed), errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case core.IsRejection(err):
		return http.StatusBadRequest
	case core.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request_failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
