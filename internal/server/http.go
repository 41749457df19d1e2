package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpClear/internal/core"
	"PerpClear/internal/ingestion"
	fpmath "PerpClear/internal/math"
	"PerpClear/internal/observability"
	"PerpClear/internal/query"
	"PerpClear/internal/state"
	"PerpClear/internal/vault"
)

// HTTPServer is the JSON API. Commands run synchronously through the
// core and return the verdict in the response; queries read either live
// core state (margin, free collateral) or the projections (history,
// settled balances, integrity).
type HTTPServer struct {
	core     *core.ClearingCore
	vault    *vault.Vault
	queries  *query.QueryService
	injector *ingestion.AdminInjector

	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger

	// Admin hooks supplied by the orchestrator.
	takeSnapshot       func(ctx context.Context) (int64, error)
	rebuildProjections func(ctx context.Context) error

	adminToken string
	addr       string
	httpServer *http.Server
}

// HTTPDeps carries everything the API surfaces.
type HTTPDeps struct {
	Core     *core.ClearingCore
	Vault    *vault.Vault
	Queries  *query.QueryService
	Injector *ingestion.AdminInjector

	Health  *observability.HealthChecker
	Metrics *observability.Metrics

	TakeSnapshot       func(ctx context.Context) (int64, error)
	RebuildProjections func(ctx context.Context) error

	AdminToken string
}

func NewHTTPServer(addr string, deps *HTTPDeps, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		core:               deps.Core,
		vault:              deps.Vault,
		queries:            deps.Queries,
		injector:           deps.Injector,
		health:             deps.Health,
		metrics:            deps.Metrics,
		log:                log.With().Str("component", "http").Logger(),
		takeSnapshot:       deps.TakeSnapshot,
		rebuildProjections: deps.RebuildProjections,
		adminToken:         deps.AdminToken,
		addr:               addr,
	}
}

// Start serves until the context is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/vault/deposit", s.instrument("vault_deposit", s.handleDeposit))
	mux.HandleFunc("POST /v1/vault/withdraw", s.instrument("vault_withdraw", s.handleWithdraw))

	mux.HandleFunc("POST /v1/accounts/{trader_id}/settle", s.instrument("settle", s.handleSettle))
	mux.HandleFunc("GET /v1/accounts/{trader_id}/balance", s.instrument("balance", s.handleBalance))
	mux.HandleFunc("GET /v1/accounts/{trader_id}/margin", s.instrument("margin", s.handleMargin))
	mux.HandleFunc("GET /v1/accounts/{trader_id}/free-collateral", s.instrument("free_collateral", s.handleFreeCollateral))
	mux.HandleFunc("GET /v1/accounts/{trader_id}/positions", s.instrument("positions", s.handlePositions))
	mux.HandleFunc("GET /v1/accounts/{trader_id}/journals", s.instrument("journals", s.handleJournals))

	mux.HandleFunc("POST /v1/positions/open", s.instrument("open", s.handleOpen))
	mux.HandleFunc("POST /v1/positions/close", s.instrument("close", s.handleClose))

	mux.HandleFunc("POST /v1/liquidations", s.instrument("liquidate", s.handleLiquidate))
	mux.HandleFunc("GET /v1/liquidations", s.instrument("liquidation_history", s.handleLiquidationHistory))

	mux.HandleFunc("GET /v1/markets/{market}/funding", s.instrument("funding_history", s.handleFundingHistory))
	mux.HandleFunc("GET /v1/insurance", s.instrument("insurance", s.handleInsurance))

	mux.HandleFunc("POST /v1/admin/deposits", s.admin(s.handleAdminDeposit))
	mux.HandleFunc("POST /v1/admin/prices", s.admin(s.handleAdminPrice))
	mux.HandleFunc("POST /v1/admin/funding/snapshot", s.admin(s.handleAdminFundingSnapshot))
	mux.HandleFunc("POST /v1/admin/funding/settle", s.admin(s.handleAdminFundingSettle))
	mux.HandleFunc("POST /v1/admin/params", s.admin(s.handleAdminParams))
	mux.HandleFunc("POST /v1/admin/backstop", s.admin(s.handleAdminBackstop))
	mux.HandleFunc("POST /v1/admin/insurance/cover", s.admin(s.handleAdminCover))
	mux.HandleFunc("POST /v1/admin/snapshot", s.admin(s.handleAdminSnapshot))
	mux.HandleFunc("POST /v1/admin/projections/rebuild", s.admin(s.handleAdminRebuild))
	mux.HandleFunc("GET /v1/admin/integrity", s.admin(s.handleAdminIntegrity))
	mux.HandleFunc("GET /v1/admin/status", s.admin(s.handleAdminStatus))

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Middleware
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *HTTPServer) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			s.writeError(w, state.Reject(state.RejectUnauthorized, "admin token missing or wrong"))
			return
		}
		next(w, r)
	}
}

// ============================================================================
// Vault
// ============================================================================

// Amounts cross the API as decimal strings ("100.5") and are converted
// to exact micro-units at the boundary. Sub-precision digits reject.
type depositRequest struct {
	TraderID string `json:"trader_id"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}
	amount, err := fpmath.ParseFixed(req.Amount)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid amount: %w", err))
		return
	}

	depositID, err := s.vault.Deposit(r.Context(), traderID, req.Asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposit_id": depositID.String(),
		"trader_id":  req.TraderID,
		"amount":     fpmath.FormatFixed(amount),
	})
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}
	amount, err := fpmath.ParseFixed(req.Amount)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid amount: %w", err))
		return
	}

	withdrawalID, err := s.vault.Withdraw(r.Context(), traderID, req.Asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"withdrawal_id": withdrawalID.String(),
		"trader_id":     req.TraderID,
		"amount":        fpmath.FormatFixed(amount),
	})
}

// ============================================================================
// Accounts
// ============================================================================

func (s *HTTPServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	settled, err := s.core.SettleOwedPnl(r.Context(), &core.SettleCommand{
		RequestID: uuid.New(),
		TraderID:  traderID,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader_id":   traderID.String(),
		"settled_pnl": settled,
	})
}

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	balance, err := s.queries.GetBalance(r.Context(), traderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *HTTPServer) handleMargin(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	snap, err := s.core.MarginOf(r.Context(), traderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader_id":          traderID.String(),
		"collateral":         snap.Collateral,
		"owed_pnl":           snap.OwedPnl,
		"unrealized_pnl":     snap.UnrealizedPnl,
		"collateral_value":   snap.CollateralValue,
		"account_value":      snap.AccountValue,
		"initial_margin":     snap.InitialMargin,
		"maintenance_margin": snap.MaintenanceMargin,
		"free_collateral":    snap.FreeCollateral,
		"liquidatable":       snap.Liquidatable,
		"sequence":           s.core.GetSequence(),
	})
}

func (s *HTTPServer) handleFreeCollateral(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	fc, err := s.core.FreeCollateralOf(r.Context(), traderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader_id":       traderID.String(),
		"free_collateral": fc,
	})
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	positions, err := s.core.PositionsOf(r.Context(), traderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(positions))
	for _, pos := range positions {
		out = append(out, map[string]interface{}{
			"market_id":     pos.Market,
			"size":          pos.Size,
			"open_notional": pos.OpenNotional,
			"version":       pos.Version,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader_id": traderID.String(),
		"positions": out,
	})
}

func (s *HTTPServer) handleJournals(w http.ResponseWriter, r *http.Request) {
	traderID, ok := s.pathTrader(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 100, 500)
	before := queryInt64Ptr(r, "before")

	entries, err := s.queries.GetJournalHistory(r.Context(), traderID, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader_id": traderID.String(),
		"journals":  entries,
	})
}

// ============================================================================
// Trading
// ============================================================================

// BaseDelta is a signed decimal string; empty means "full position" on
// the close path and rejects on the open path.
type tradeRequest struct {
	TraderID  string `json:"trader_id"`
	Market    string `json:"market"`
	BaseDelta string `json:"base_delta"`
}

func (s *HTTPServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.core.OpenPosition)
}

func (s *HTTPServer) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.core.ClosePosition)
}

func (s *HTTPServer) handleTrade(
	w http.ResponseWriter,
	r *http.Request,
	execute func(ctx context.Context, cmd *core.TradeCommand) (*core.TradeResult, error),
) {
	var req tradeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}
	if req.Market == "" {
		s.writeBadRequest(w, fmt.Errorf("market is required"))
		return
	}

	var baseDelta int64
	if req.BaseDelta != "" {
		baseDelta, err = fpmath.ParseFixed(req.BaseDelta)
		if err != nil {
			s.writeBadRequest(w, fmt.Errorf("invalid base_delta: %w", err))
			return
		}
	}

	result, err := execute(r.Context(), &core.TradeCommand{
		TradeID:   uuid.New(),
		TraderID:  traderID,
		Market:    req.Market,
		BaseDelta: baseDelta,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fill_id":      result.FillID.String(),
		"action":       result.Action.String(),
		"base_delta":   result.BaseDelta,
		"quote_delta":  result.QuoteDelta,
		"fee":          result.Fee,
		"realized_pnl": result.RealizedPnl,
		"is_partial":   result.IsPartial,
	})
}

// ============================================================================
// Liquidations
// ============================================================================

type liquidateRequest struct {
	LiquidatorID string `json:"liquidator_id"`
	TraderID     string `json:"trader_id"`
	Market       string `json:"market"`
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	liquidatorID, err := uuid.Parse(req.LiquidatorID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid liquidator_id: %w", err))
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}
	if req.Market == "" {
		s.writeBadRequest(w, fmt.Errorf("market is required"))
		return
	}

	result, err := s.core.Liquidate(r.Context(), &core.LiquidateCommand{
		LiquidationID: uuid.New(),
		LiquidatorID:  liquidatorID,
		TraderID:      traderID,
		Market:        req.Market,
		Timestamp:     time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"base_delta":   result.BaseDelta,
		"quote_delta":  result.QuoteDelta,
		"realized_pnl": result.RealizedPnl,
		"penalty":      result.Penalty,
		"reward":       result.Reward,
		"bad_debt":     result.BadDebt,
		"is_partial":   result.IsPartial,
	})
}

func (s *HTTPServer) handleLiquidationHistory(w http.ResponseWriter, r *http.Request) {
	var traderID *uuid.UUID
	if v := r.URL.Query().Get("trader_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
			return
		}
		traderID = &id
	}

	limit := queryInt(r, "limit", 50, 200)
	before := queryInt64Ptr(r, "before")

	records, err := s.queries.GetLiquidationHistory(r.Context(), traderID, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": records})
}

// ============================================================================
// Markets
// ============================================================================

func (s *HTTPServer) handleFundingHistory(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")
	if market == "" {
		s.writeBadRequest(w, fmt.Errorf("market is required"))
		return
	}

	limit := queryInt(r, "limit", 50, 200)
	beforeEpoch := queryInt64Ptr(r, "before_epoch")

	history, err := s.queries.GetFundingHistory(r.Context(), market, limit, beforeEpoch)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id": market,
		"epochs":    history,
	})
}

func (s *HTTPServer) handleInsurance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.core.InsuranceFundBalance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) handleAdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}

	amount, err := fpmath.ParseFixed(req.Amount)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid amount: %w", err))
		return
	}

	if err := s.injector.InjectDeposit(r.Context(), traderID, req.Asset, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type priceRequest struct {
	Market        string `json:"market"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
}

func (s *HTTPServer) handleAdminPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	price, err := fpmath.ParseFixed(req.Price)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid price: %w", err))
		return
	}

	if err := s.injector.InjectIndexPrice(r.Context(), req.Market, price, req.PriceSequence); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type fundingSnapshotRequest struct {
	Market      string `json:"market"`
	EpochID     int64  `json:"epoch_id"`
	FundingRate int64  `json:"funding_rate"`
	MarkPrice   int64  `json:"mark_price"`
}

func (s *HTTPServer) handleAdminFundingSnapshot(w http.ResponseWriter, r *http.Request) {
	var req fundingSnapshotRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	if err := s.injector.InjectFundingSnapshot(r.Context(), req.Market, req.EpochID, req.FundingRate, req.MarkPrice); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type fundingSettleRequest struct {
	Market  string `json:"market"`
	EpochID int64  `json:"epoch_id"`
}

func (s *HTTPServer) handleAdminFundingSettle(w http.ResponseWriter, r *http.Request) {
	var req fundingSettleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	if err := s.injector.InjectFundingSettle(r.Context(), req.Market, req.EpochID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type paramsRequest struct {
	Market            string `json:"market"`
	IMRatio           int64  `json:"im_ratio"`
	MMRatio           int64  `json:"mm_ratio"`
	FeeRatio          int64  `json:"fee_ratio"`
	InsuranceFeeShare int64  `json:"insurance_fee_share"`
	PenaltyRatio      int64  `json:"penalty_ratio"`
	RewardShare       int64  `json:"reward_share"`
	Sequence          int64  `json:"sequence"`
}

func (s *HTTPServer) handleAdminParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if req.Sequence <= 0 {
		s.writeBadRequest(w, fmt.Errorf("sequence must be positive; it versions the update"))
		return
	}

	params := &state.MarketParams{
		Market:            req.Market,
		IMRatio:           req.IMRatio,
		MMRatio:           req.MMRatio,
		FeeRatio:          req.FeeRatio,
		InsuranceFeeShare: req.InsuranceFeeShare,
		PenaltyRatio:      req.PenaltyRatio,
		RewardShare:       req.RewardShare,
	}

	if err := s.core.UpdateMarketParams(r.Context(), params, req.Sequence, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type backstopRequest struct {
	TraderID string `json:"trader_id"`
	Eligible bool   `json:"eligible"`
	Sequence int64  `json:"sequence"`
}

func (s *HTTPServer) handleAdminBackstop(w http.ResponseWriter, r *http.Request) {
	var req backstopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}
	if req.Sequence <= 0 {
		s.writeBadRequest(w, fmt.Errorf("sequence must be positive; it versions the update"))
		return
	}

	if err := s.core.UpdateBackstop(r.Context(), traderID, req.Eligible, req.Sequence, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type coverRequest struct {
	TraderID string `json:"trader_id"`
}

func (s *HTTPServer) handleAdminCover(w http.ResponseWriter, r *http.Request) {
	var req coverRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return
	}

	covered, err := s.core.CoverBadDebt(r.Context(), &core.CoverCommand{
		RequestID: uuid.New(),
		TraderID:  traderID,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"covered": covered})
}

func (s *HTTPServer) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.takeSnapshot == nil {
		s.writeError(w, fmt.Errorf("snapshotting is not wired"))
		return
	}

	sequence, err := s.takeSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": sequence})
}

func (s *HTTPServer) handleAdminRebuild(w http.ResponseWriter, r *http.Request) {
	if s.rebuildProjections == nil {
		s.writeError(w, fmt.Errorf("projection rebuild is not wired"))
		return
	}

	if err := s.rebuildProjections(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) handleAdminIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.core.GetStateHash()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":   s.core.GetSequence(),
		"state_hash": fmt.Sprintf("%x", hash),
		"ready":      s.health.IsReady(),
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) pathTrader(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	traderID, err := uuid.Parse(r.PathValue("trader_id"))
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("invalid trader_id: %w", err))
		return uuid.Nil, false
	}
	return traderID, true
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryInt64Ptr(r *http.Request, name string) *int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeError maps rejections to client-visible statuses. Rejections are
// expected verdicts, not failures: solvency refusals are 422, contention
// verdicts 409, authorization 403. Anything else is a 500.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrDuplicate) {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "Duplicate",
		})
		return
	}

	if rej, ok := state.AsRejection(err); ok {
		status := http.StatusConflict
		switch rej.Code {
		case state.RejectBadDebt, state.RejectInsufficientForIncrease, state.RejectInsufficientForWithdraw:
			status = http.StatusUnprocessableEntity
		case state.RejectNotLiquidatable:
			status = http.StatusConflict
		case state.RejectUnauthorized:
			status = http.StatusForbidden
		}
		s.writeJSON(w, status, map[string]string{
			"error": rej.Error(),
			"code":  string(rej.Code),
		})
		return
	}

	s.log.Error().Err(err).Msg("request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
