package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"pivot/internal/domain"
	"pivot/internal/engine"
	"pivot/internal/notify"
	"pivot/internal/store"
	"pivot/internal/util"
)

// StatusServer serves the trading system's control and status API.
type StatusServer struct {
	system       *engine.TradingSystem
	ledger       store.Ledger
	board        *notify.Board
	sessionStart util.Clock
	log          *slog.Logger
}

// NewStatusServer creates a StatusServer. The session start clock bounds the
// current trading day for the orders and positions endpoints.
func NewStatusServer(
	system *engine.TradingSystem,
	ledger store.Ledger,
	board *notify.Board,
	sessionStart util.Clock,
	log *slog.Logger,
) *StatusServer {
	return &StatusServer{
		system:       system,
		ledger:       ledger,
		board:        board,
		sessionStart: sessionStart,
		log:          log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.system.Status(r.Context())}
	resp.PauseNotice, resp.HoursNotice = s.board.Notices()
	writeJSON(w, resp)
}

func (s *StatusServer) handleStart(w http.ResponseWriter, r *http.Request) {
	s.system.Start()
	writeJSON(w, RunStateResponse{Running: true})
}

func (s *StatusServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s.system.Stop()
	writeJSON(w, RunStateResponse{Running: false})
}

func (s *StatusServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cutoff := util.TradingDayStart(time.Now(), s.sessionStart)

	orders, err := s.ledger.OrdersSince(ctx, cutoff)
	if err != nil {
		s.log.Error("listing orders", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	states, err := s.ledger.OrderStatesSince(ctx, cutoff)
	if err != nil {
		s.log.Error("listing order states", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	stateByID := make(map[int64]domain.OrderState, len(states))
	for _, st := range states {
		stateByID[st.OrderID] = st
	}

	out := make([]OrderJSON, 0, len(orders))
	for _, o := range orders {
		var st *domain.OrderState
		if snap, ok := stateByID[o.ID]; ok {
			st = &snap
		}
		out = append(out, convertOrder(o, st))
	}
	writeJSON(w, OrdersResponse{Orders: out})
}

func (s *StatusServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cutoff := util.TradingDayStart(time.Now(), s.sessionStart)

	rows, err := s.ledger.PositionsSince(ctx, cutoff)
	if err != nil {
		s.log.Error("listing positions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	history := make([]PositionJSON, 0, len(rows))
	for _, p := range rows {
		history = append(history, convertPosition(p))
	}

	var current PositionJSON
	if latest, err := s.ledger.LatestPosition(ctx); err == nil && latest != nil {
		current = convertPosition(*latest)
	}

	writeJSON(w, PositionsResponse{Current: current, History: history})
}

func (s *StatusServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.board.Snapshot()
	if msgs == nil {
		msgs = []notify.Message{}
	}
	writeJSON(w, MessagesResponse{Messages: msgs})
}
