package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfold/guardrail/pkg/models"
	"github.com/quantfold/guardrail/pkg/trader"
)

type Server struct {
	engine *trader.Engine
	logger *logrus.Logger
	port   string
}

func NewServer(engine *trader.Engine, logger *logrus.Logger, port string) *Server {
	return &Server{
		engine: engine,
		logger: logger,
		port:   port,
	}
}

func (s *Server) Start() error {
	handler := s.Handler()
	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

// Handler builds the route table; split out so tests can mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/filters", s.handleFilters)
	mux.HandleFunc("/api/check", s.handleCheck)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol query parameter required", http.StatusBadRequest)
		return
	}

	filters, ok := s.engine.Filters(symbol)
	if !ok {
		http.Error(w, "no filters loaded for symbol", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, filters)
}

type checkRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	ReduceOnly  bool    `json:"reduce_only"`
	SlippageBps float64 `json:"slippage_bps"`
}

// handleCheck runs the pre-submission safety checks without submitting.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order := &models.OrderRequest{
		Symbol:     req.Symbol,
		Side:       models.OrderSide(req.Side),
		Type:       models.OrderType(req.Type),
		Price:      req.Price,
		Quantity:   req.Quantity,
		ReduceOnly: req.ReduceOnly,
	}

	check, err := s.engine.CheckOrder(r.Context(), order, req.SlippageBps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
