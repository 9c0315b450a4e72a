package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/registry"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

// Server exposes run reports, source health and ledger queries over HTTP.
type Server struct {
	logger       *zap.Logger
	orchestrator *Orchestrator
	registry     *registry.Registry
	ledger       *ledger.Ledger

	DropThreshold float64
	DropDaysBack  int
}

type HealthInfo struct {
	Healthy int                        `json:"healthy"`
	Total   int                        `json:"total"`
	Sources map[string]registry.Health `json:"sources"`
}

type Stats struct {
	ProductID    source.Identity  `json:"product_id"`
	Observations int              `json:"observations"`
	Lowest       *decimal.Decimal `json:"lowest,omitempty"`
	Highest      *decimal.Decimal `json:"highest,omitempty"`
	Average      *decimal.Decimal `json:"average,omitempty"`
	PriceDrop    bool             `json:"price_drop"`
}

func NewServer(logger *zap.Logger, o *Orchestrator, reg *registry.Registry, l *ledger.Ledger) *Server {
	return &Server{
		logger:        logger,
		orchestrator:  o,
		registry:      reg,
		ledger:        l,
		DropThreshold: 10,
		DropDaysBack:  7,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/reports", s.listReports)
		r.Get("/reports/{id}", s.getReport)
		r.Get("/sinks", s.listSinks)
		r.Get("/products/{id}/history", s.productHistory)
		r.Get("/products/{id}/stats", s.productStats)
		r.Get("/drops", s.drops)
	})

	return r
}

// health probes every source. It answers 503 when none is healthy.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	summary := s.registry.Summary(r.Context())
	info := HealthInfo{
		Healthy: summary.Healthy,
		Total:   summary.Total,
		Sources: s.registry.Health(),
	}
	status := http.StatusOK
	if info.Healthy == 0 {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, info)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	reports := s.orchestrator.Reports()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rep := range s.orchestrator.Reports() {
		if rep.ID == id {
			s.writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	http.Error(w, "report not found", http.StatusNotFound)
}

// listSinks reports every sink and, when it keeps them, its delivery stats.
func (s *Server) listSinks(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{})
	for _, sink := range s.orchestrator.Sinks() {
		var stats interface{}
		if sr, ok := sink.(StatsReporter); ok {
			stats = sr.SinkStats()
		}
		out[sink.Name()] = stats
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sinks": out})
}

func (s *Server) productHistory(w http.ResponseWriter, r *http.Request) {
	id := source.Identity(chi.URLParam(r, "id"))

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}

	history, err := s.ledger.History(r.Context(), id, from, to)
	if err != nil {
		s.internalError(w, "history", err)
		return
	}
	if history == nil {
		history = []ledger.Observation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"product_id":   id,
		"observations": history,
	})
}

func (s *Server) productStats(w http.ResponseWriter, r *http.Request) {
	id := source.Identity(chi.URLParam(r, "id"))
	stats, err := ProductStats(r.Context(), s.ledger, id, s.DropThreshold)
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	if stats.Observations == 0 {
		http.Error(w, "no price history", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drops(w http.ResponseWriter, r *http.Request) {
	threshold := s.DropThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = f
	}
	days := s.DropDaysBack
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}

	ids, err := s.ledger.ProductsWithRecentDrops(r.Context(), threshold, days)
	if err != nil {
		s.internalError(w, "drops", err)
		return
	}
	if ids == nil {
		ids = []source.Identity{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold_percent": threshold,
		"days_back":         days,
		"products":          ids,
	})
}

// ProductStats gathers the ledger aggregates for one product.
func ProductStats(ctx context.Context, l *ledger.Ledger, id source.Identity, dropThreshold float64) (Stats, error) {
	stats := Stats{ProductID: id}
	history, err := l.History(ctx, id, time.Time{}, time.Time{})
	if err != nil {
		return stats, err
	}
	stats.Observations = len(history)
	if len(history) == 0 {
		return stats, nil
	}

	if low, ok, err := l.Lowest(ctx, id); err != nil {
		return stats, err
	} else if ok {
		stats.Lowest = &low
	}
	if high, ok, err := l.Highest(ctx, id); err != nil {
		return stats, err
	} else if ok {
		stats.Highest = &high
	}
	if avg, ok, err := l.Average(ctx, id); err != nil {
		return stats, err
	} else if ok {
		avg = avg.Round(2)
		stats.Average = &avg
	}
	if stats.PriceDrop, err = l.IsPriceDrop(ctx, id, dropThreshold); err != nil {
		return stats, err
	}
	return stats, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting status server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down status server")
		srv.Shutdown(context.Background())
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
