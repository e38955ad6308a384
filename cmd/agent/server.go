package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/energy"
	"github.com/yourorg/yield-sync/internal/ledger"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/session"
	"github.com/yourorg/yield-sync/internal/withdrawal"
)

// Server exposes the session over a small local HTTP API.
type Server struct {
	session *session.Session
	server  *http.Server
	started time.Time
}

// NewServer creates the HTTP server for sess listening on addr.
func NewServer(addr string, sess *session.Session) *Server {
	s := &Server{session: sess, started: time.Now()}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("POST /claims", s.handleClaim)
	mux.HandleFunc("POST /claims/replay", s.handleReplay)
	mux.HandleFunc("GET /withdrawals/precheck", s.handlePrecheck)
	mux.HandleFunc("POST /withdrawals", s.handleWithdraw)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

type activityEntry struct {
	Kind   model.ActivityKind `json:"kind"`
	At     time.Time          `json:"at"`
	Detail model.Activity     `json:"detail"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	feed := s.session.Activity(r.Context())

	out := make([]activityEntry, 0, len(feed))
	for _, a := range feed {
		out = append(out, activityEntry{Kind: a.Kind(), At: a.OccurredAt(), Detail: a})
	}
	writeJSON(w, http.StatusOK, out)
}

type claimRequest struct {
	TxHash   string `json:"tx_hash"`
	Referrer string `json:"referrer"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(common.FromHex(req.TxHash)) != common.HashLength {
		errorResponse(w, http.StatusBadRequest, "tx_hash must be a 32 byte hex string")
		return
	}
	var referrer common.Address
	if req.Referrer != "" {
		if !common.IsHexAddress(req.Referrer) {
			errorResponse(w, http.StatusBadRequest, "referrer must be an address")
			return
		}
		referrer = common.HexToAddress(req.Referrer)
	}

	state, err := s.session.Claims.ConfirmAndSync(r.Context(), s.session.Account, common.HexToHash(req.TxHash), referrer)
	if err != nil {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.ReplayClaims(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verdictResponse struct {
	Admit     bool   `json:"admit"`
	Required  int64  `json:"required"`
	Current   int64  `json:"current"`
	Shortfall int64  `json:"shortfall"`
	Reason    string `json:"reason,omitempty"`
}

func newVerdictResponse(v energy.Verdict) verdictResponse {
	out := verdictResponse{Admit: v.Admit, Required: v.Required, Current: v.Current, Shortfall: v.Shortfall}
	if v.Err != nil {
		out.Reason = v.Err.Error()
	}
	return out
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}
	verdict, err := s.session.Withdrawals.Precheck(r.Context(), amount)
	if err != nil {
		withdrawalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerdictResponse(verdict))
}

type withdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := s.session.Withdrawals.Submit(r.Context(), req.Amount)
	if err != nil {
		withdrawalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// withdrawalError maps orchestrator errors onto status codes.
func withdrawalError(w http.ResponseWriter, err error) {
	var (
		invalid   *withdrawal.ValidationError
		shortfall *energy.ShortfallError
		status    *ledger.StatusError
	)
	switch {
	case errors.As(err, &invalid):
		errorResponse(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &shortfall), errors.Is(err, energy.ErrInvalidRatio), errors.Is(err, energy.ErrInvalidAmount):
		errorResponse(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, withdrawal.ErrOutcomeUnknown):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "unconfirmed", "message": err.Error()})
	case errors.Is(err, withdrawal.ErrRetryRequired), errors.Is(err, withdrawal.ErrInFlight):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.As(err, &status):
		errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

// errorResponse returns a JSON error body
func errorResponse(w http.ResponseWriter, code int, msg string) {
	logrus.WithField("status", code).Warn(msg)
	writeJSON(w, code, map[string]string{"error": msg})
}
