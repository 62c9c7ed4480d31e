package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/query"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lendledger.v1.LendingService"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// StateViewer is the engine's read side.
type StateViewer interface {
	View(fn func(state.Reader))
	GetSequence() int64
}

// SnapshotFunc takes a snapshot now and returns its sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

// ============================================================================
// Messages
// ============================================================================

type SubmitCommandRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type ReceiptResponse struct {
	Sequence       int64        `json:"sequence"`
	EventType      string       `json:"event_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Block          uint64       `json:"block"`
	Duplicate      bool         `json:"duplicate"`
	Amount         query.Amount `json:"amount"`
	Shares         query.Amount `json:"shares"`
	Fee            query.Amount `json:"fee"`
	StateHash      string       `json:"state_hash"`
}

type MarketRequest struct {
	MarketID string `json:"market_id"`
}

type ListMarketsRequest struct{}

type ListMarketsResponse struct {
	Markets []query.MarketSummary `json:"markets"`
	Block   uint64                `json:"block"`
}

type AccountRequest struct {
	UserID string `json:"user_id"`
}

type BorrowLimitsRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	// Safety is a decimal margin in (0, 1]; empty means 1.
	Safety string `json:"safety,omitempty"`
}

type BorrowLimitsResponse struct {
	UserID                string       `json:"user_id"`
	MarketID              string       `json:"market_id"`
	AvailableToBorrow     query.Amount `json:"available_to_borrow"`
	SafeAvailableToBorrow query.Amount `json:"safe_available_to_borrow"`
	MaxBorrowAmount       query.Amount `json:"max_borrow_amount"`
	AvailableToWithdraw   query.Amount `json:"available_to_withdraw"`
	MaxSupplyAmount       query.Amount `json:"max_supply_amount"`
	Block                 uint64       `json:"block"`
}

type SyntheticRequest struct {
	Asset string `json:"asset"`
}

type HistoryRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
	// BeforeSequence is the cursor returned by the previous page.
	BeforeSequence int64 `json:"before_sequence,omitempty"`
}

type ListPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type ListTransfersResponse struct {
	Transfers  []query.TransferHistoryEntry `json:"transfers"`
	NextCursor int64                        `json:"next_cursor,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type EventLogInfoRequest struct{}

type EventLogInfoResponse struct {
	LastPersistedSequence int64  `json:"last_persisted_sequence"`
	NextEngineSequence    int64  `json:"next_engine_sequence"`
	Uptime                string `json:"uptime"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// ============================================================================
// Service
// ============================================================================

// LendingServiceServer is the handler type of the lending gRPC service.
type LendingServiceServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*ReceiptResponse, error)
	GetMarket(context.Context, *MarketRequest) (*query.MarketSummary, error)
	ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountSummary, error)
	GetBorrowLimits(context.Context, *BorrowLimitsRequest) (*BorrowLimitsResponse, error)
	GetSynthetic(context.Context, *SyntheticRequest) (*query.SyntheticSummary, error)
	ListPositions(context.Context, *HistoryRequest) (*ListPositionsResponse, error)
	ListTransfers(context.Context, *HistoryRequest) (*ListTransfersResponse, error)
	ListLiquidations(context.Context, *HistoryRequest) (*ListLiquidationsResponse, error)
	GetEventLogInfo(context.Context, *EventLogInfoRequest) (*EventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

// LendingService serves live state from the engine, history from Postgres
// and command submission through the ingest adapter. History and admin
// calls return Unavailable when no database is configured.
type LendingService struct {
	engine        StateViewer
	ingest        *ingestion.GRPCIngestService
	queries       *query.QueryService
	snapshots     *persistence.SnapshotManager
	takeSnapshot  SnapshotFunc
	blocksPerYear int64
	startTime     time.Time
}

var _ LendingServiceServer = (*LendingService)(nil)

func NewLendingService(deps *ServerDeps) *LendingService {
	return &LendingService{
		engine:        deps.Engine,
		ingest:        deps.IngestService,
		queries:       deps.QueryService,
		snapshots:     deps.SnapshotMgr,
		takeSnapshot:  deps.TakeSnapshot,
		blocksPerYear: deps.BlocksPerYear,
		startTime:     deps.StartTime,
	}
}

func (s *LendingService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*ReceiptResponse, error) {
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	r, err := s.ingest.Submit(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, statusFromError(err)
	}
	return newReceiptResponse(r), nil
}

func newReceiptResponse(r *core.Receipt) *ReceiptResponse {
	return &ReceiptResponse{
		Sequence:       r.Sequence,
		EventType:      r.EventType.String(),
		IdempotencyKey: r.IdempotencyKey,
		Block:          r.Block,
		Duplicate:      r.Duplicate,
		Amount:         query.Amount(r.Amount),
		Shares:         query.Amount(r.Shares),
		Fee:            query.Amount(r.Fee),
		StateHash:      hex.EncodeToString(r.StateHash[:]),
	}
}

func (s *LendingService) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketSummary, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	var (
		summary query.MarketSummary
		ok      bool
	)
	s.engine.View(func(r state.Reader) {
		summary, ok = query.SummarizeMarket(r, req.MarketID, s.blocksPerYear)
	})
	if !ok {
		return nil, status.Errorf(codes.NotFound, "market %s not listed", req.MarketID)
	}
	return &summary, nil
}

func (s *LendingService) ListMarkets(ctx context.Context, _ *ListMarketsRequest) (*ListMarketsResponse, error) {
	resp := &ListMarketsResponse{Markets: []query.MarketSummary{}}
	s.engine.View(func(r state.Reader) {
		for _, id := range r.MarketIDs() {
			if m, ok := query.SummarizeMarket(r, id, s.blocksPerYear); ok {
				resp.Markets = append(resp.Markets, m)
			}
		}
		resp.Block = r.Block()
	})
	return resp, nil
}

func (s *LendingService) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountSummary, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	var summary query.AccountSummary
	s.engine.View(func(r state.Reader) {
		summary = query.SummarizeAccount(r, userID)
	})
	return &summary, nil
}

func (s *LendingService) GetBorrowLimits(ctx context.Context, req *BorrowLimitsRequest) (*BorrowLimitsResponse, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	safety := fpmath.Scale
	if req.Safety != "" {
		if safety, err = fpmath.ParseDecimal(req.Safety); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid safety: %v", err)
		}
	}

	resp := &BorrowLimitsResponse{UserID: req.UserID, MarketID: req.MarketID}
	var (
		listed  bool
		safeErr error
	)
	s.engine.View(func(r state.Reader) {
		if _, listed = r.Market(req.MarketID); !listed {
			return
		}
		safe, err := query.SafeAvailableToBorrow(r, userID, req.MarketID, safety)
		if err != nil {
			safeErr = err
			return
		}
		resp.AvailableToBorrow = query.Amount(query.AvailableToBorrow(r, userID, req.MarketID))
		resp.SafeAvailableToBorrow = query.Amount(safe)
		resp.MaxBorrowAmount = query.Amount(query.MaxBorrowAmount(r, userID, req.MarketID))
		resp.AvailableToWithdraw = query.Amount(query.AvailableToWithdraw(r, userID, req.MarketID))
		resp.MaxSupplyAmount = query.Amount(query.MaxSupplyAmount(r, req.MarketID))
		resp.Block = r.Block()
	})
	if !listed {
		return nil, status.Errorf(codes.NotFound, "market %s not listed", req.MarketID)
	}
	if safeErr != nil {
		return nil, statusFromError(safeErr)
	}
	return resp, nil
}

func (s *LendingService) GetSynthetic(ctx context.Context, req *SyntheticRequest) (*query.SyntheticSummary, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	var summary query.SyntheticSummary
	s.engine.View(func(r state.Reader) {
		summary = query.SummarizeSynthetic(r, req.Asset)
	})
	return &summary, nil
}

func (s *LendingService) ListPositions(ctx context.Context, req *HistoryRequest) (*ListPositionsResponse, error) {
	userID, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	positions, err := s.queries.GetPositions(ctx, userID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get positions: %v", err)
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return &ListPositionsResponse{Positions: positions}, nil
}

func (s *LendingService) ListTransfers(ctx context.Context, req *HistoryRequest) (*ListTransfersResponse, error) {
	userID, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	transfers, err := s.queries.GetTransferHistory(ctx, userID, pageSize(req.Limit), before)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get transfers: %v", err)
	}
	resp := &ListTransfersResponse{Transfers: transfers}
	if resp.Transfers == nil {
		resp.Transfers = []query.TransferHistoryEntry{}
	}
	if n := len(transfers); n > 0 {
		resp.NextCursor = transfers[n-1].Sequence
	}
	return resp, nil
}

func (s *LendingService) ListLiquidations(ctx context.Context, req *HistoryRequest) (*ListLiquidationsResponse, error) {
	userID, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	liqs, err := s.queries.GetLiquidations(ctx, userID, pageSize(req.Limit))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get liquidations: %v", err)
	}
	return &ListLiquidationsResponse{Liquidations: liqs}, nil
}

func (s *LendingService) GetEventLogInfo(ctx context.Context, _ *EventLogInfoRequest) (*EventLogInfoResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unavailable, "event log not configured")
	}
	latest, err := s.snapshots.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	return &EventLogInfoResponse{
		LastPersistedSequence: latest,
		NextEngineSequence:    s.engine.GetSequence(),
		Uptime:                time.Since(s.startTime).Round(time.Second).String(),
	}, nil
}

func (s *LendingService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "event log not configured")
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *LendingService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.takeSnapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not configured")
	}
	seq, err := s.takeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *LendingService) historyUser(req *HistoryRequest) (uuid.UUID, error) {
	if s.queries == nil {
		return uuid.Nil, status.Error(codes.Unavailable, "history not configured")
	}
	return parseUserID(req.UserID)
}

// ============================================================================
// Service descriptor
// ============================================================================

// ServiceDesc registers LendingServiceServer with a grpc.Server. Messages
// are the structs above, carried by the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", LendingServiceServer.SubmitCommand),
		unary("GetMarket", LendingServiceServer.GetMarket),
		unary("ListMarkets", LendingServiceServer.ListMarkets),
		unary("GetAccount", LendingServiceServer.GetAccount),
		unary("GetBorrowLimits", LendingServiceServer.GetBorrowLimits),
		unary("GetSynthetic", LendingServiceServer.GetSynthetic),
		unary("ListPositions", LendingServiceServer.ListPositions),
		unary("ListTransfers", LendingServiceServer.ListTransfers),
		unary("ListLiquidations", LendingServiceServer.ListLiquidations),
		unary("GetEventLogInfo", LendingServiceServer.GetEventLogInfo),
		unary("VerifyIntegrity", LendingServiceServer.VerifyIntegrity),
		unary("TakeSnapshot", LendingServiceServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/v1/lending.json",
}

// FullMethod returns the gRPC method path of a LendingService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(LendingServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(LendingServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func parseUserID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid user_id: %v", err)
	}
	return id, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}
