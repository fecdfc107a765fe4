// Package server exposes the keeper's admin surface: gRPC health, an HTTP
// JSON API and Prometheus metrics.
package server

import (
	"PerpKeeper/internal/keeper"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	healthSyncInterval = time.Second
	pingTimeout        = 2 * time.Second
)

// StatsProvider is the keeper's read-only stats view.
type StatsProvider interface {
	Stats() []keeper.MarketStats
	MarketStat(address solana.PublicKey) (keeper.MarketStats, bool)
}

// PriceHistory is the feed's per-market sample history.
type PriceHistory interface {
	History(market solana.PublicKey) []oracle.PriceSample
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Deps holds everything the admin endpoints read from.
type Deps struct {
	Health   *observability.HealthChecker
	Claims   Pinger
	Stats    StatsProvider
	Prices   PriceHistory
	Gatherer prometheus.Gatherer
}

// AdminServer wraps the gRPC server and the HTTP mux.
type AdminServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	grpcAddr     string
	httpAddr     string
	metricsAddr  string
	deps         Deps
	logger       zerolog.Logger
}

func NewAdminServer(grpcAddr, httpAddr, metricsAddr string, deps Deps, logger zerolog.Logger) *AdminServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &AdminServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		metricsAddr:  metricsAddr,
		deps:         deps,
		logger:       logger,
	}
}

// StartGRPC serves gRPC health until ctx is cancelled.
func (s *AdminServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go s.syncHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// syncHealth mirrors keeper readiness into the gRPC health service.
func (s *AdminServer) syncHealth(ctx context.Context) {
	t := time.NewTicker(healthSyncInterval)
	defer t.Stop()
	for {
		s.healthServer.SetServingStatus("", s.servingStatus())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *AdminServer) servingStatus() healthpb.HealthCheckResponse_ServingStatus {
	if s.deps.Health != nil && s.deps.Health.IsReady() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Handler builds the HTTP JSON API.
func (s *AdminServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		path string
		h    runtime.HandlerFunc
	}{
		{"/healthz", s.handleLiveness},
		{"/readyz", s.handleReadiness},
		{"/v1/stats", s.handleStats},
		{"/v1/markets/{market}", s.handleMarket},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.path, r.h); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.path, err)
		}
	}
	return mux, nil
}

// StartHTTP serves the JSON API until ctx is cancelled.
func (s *AdminServer) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	return s.serve(ctx, "HTTP API", s.httpAddr, handler)
}

// StartMetrics serves /metrics until ctx is cancelled.
func (s *AdminServer) StartMetrics(ctx context.Context) error {
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s.serve(ctx, "metrics", s.metricsAddr, mux)
}

func (s *AdminServer) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Str("server", name).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("server", name).Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// HTTP handlers
// ============================================================================

func (s *AdminServer) handleLiveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	s.deps.Health.LivenessHandler(w, r)
}

func (s *AdminServer) handleReadiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	if s.deps.Claims != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.deps.Claims.Health(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("claims store unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "claims": err.Error()})
			return
		}
	}
	s.deps.Health.ReadinessHandler(w, r)
}

func (s *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{"markets": []keeper.MarketStats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": s.deps.Stats.Stats()})
}

type marketResponse struct {
	keeper.MarketStats
	Prices []priceJSON `json:"prices,omitempty"`
}

type priceJSON struct {
	PriceE6   uint64    `json:"price_e6"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *AdminServer) handleMarket(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	addr, err := solana.PublicKeyFromBase58(params["market"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid market address"})
		return
	}
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "market not tracked"})
		return
	}
	st, ok := s.deps.Stats.MarketStat(addr)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "market not tracked"})
		return
	}

	resp := marketResponse{MarketStats: st}
	if s.deps.Prices != nil {
		for _, p := range s.deps.Prices.History(addr) {
			resp.Prices = append(resp.Prices, priceJSON{PriceE6: p.PriceE6, Source: p.Source, Timestamp: p.Timestamp})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
