// Package api serves the latest portfolio view and transaction states as JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"etf-vault/internal/portfolio"
	"etf-vault/internal/storage"
	"etf-vault/internal/txn"
	"etf-vault/internal/version"
)

const defaultActionLimit = 20

// ViewSource exposes the latest published view.
type ViewSource interface {
	Current() *portfolio.View
}

// Requester asks for an out-of-band refresh.
type Requester interface {
	Request() uint64
}

// Deps are the collaborators of the server. Nil fields disable their routes' data.
type Deps struct {
	Views   ViewSource
	Trigger Requester
	Actions storage.ActionStore
	Metrics http.Handler
}

// Server is the dashboard HTTP surface.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	return &Server{deps: deps, logger: logger.With().Str("component", "api").Logger()}
}

// Router wires every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/vaults", s.handleVaults).Methods(http.MethodGet)
	r.HandleFunc("/api/vaults/{address}", s.handleVault).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/actions/{target}", s.handleActions).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "build": version.String()}
	if view := s.current(); view != nil {
		body["version"] = view.Version
		body["block"] = view.Block
		body["refreshed_at"] = view.RefreshedAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleVaults(w http.ResponseWriter, _ *http.Request) {
	view := s.current()
	if view == nil {
		writeError(w, http.StatusServiceUnavailable, "no refresh published yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  view.Version,
		"block":    view.Block,
		"tvl":      view.TVL,
		"vaults":   view.Vaults,
		"warnings": view.Warnings,
	})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}
	view := s.current()
	if view == nil {
		writeError(w, http.StatusServiceUnavailable, "no refresh published yet")
		return
	}
	vv, ok := view.Vault(common.HexToAddress(raw))
	if !ok {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	writeJSON(w, http.StatusOK, vv)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	view := s.current()
	if view == nil {
		writeError(w, http.StatusServiceUnavailable, "no refresh published yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":           view.Actor,
		"block":           view.Block,
		"positions":       view.Positions,
		"portfolio_value": view.PortfolioValue,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh trigger not configured")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": s.deps.Trigger.Request()})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["target"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid target address")
		return
	}
	target := common.HexToAddress(raw)

	limit := defaultActionLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if s.deps.Actions == nil {
		writeError(w, http.StatusServiceUnavailable, "action log not configured")
		return
	}
	history, err := s.deps.Actions.ListActions(r.Context(), target.Hex(), limit)
	if err != nil {
		s.logger.Error().Err(err).Str("target", target.Hex()).Msg("list actions failed")
		writeError(w, http.StatusInternalServerError, "list actions failed")
		return
	}

	// 最新一条仍在等待确认时目标处于占用状态
	state := string(txn.StateIdle)
	if len(history) > 0 && inFlight(history[0].State) {
		state = history[0].State
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "history": history})
}

func (s *Server) current() *portfolio.View {
	if s.deps.Views == nil {
		return nil
	}
	return s.deps.Views.Current()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func inFlight(state string) bool {
	return state == string(txn.StateAwaitingApproval) || state == string(txn.StateAwaitingAction)
}
