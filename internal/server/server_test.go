package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newServer(t *testing.T) (*testutil.Fixture, *server.GRPCServer) {
	t.Helper()
	f := testutil.NewFixture(t)
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Engine:        f.Engine,
		IngestService: ingestion.NewGRPCIngestService(f.Engine),
		BlocksPerYear: 2_628_000,
		StartTime:     time.Now(),
	})
	return f, srv
}

func dial(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mintPayload(user uuid.UUID, block uint64, amount string) map[string]any {
	return map[string]any{
		"request_id": uuid.NewString(),
		"block":      block,
		"user_id":    user.String(),
		"market":     testutil.USDC,
		"amount":     amount,
	}
}

func submit(t *testing.T, conn *grpc.ClientConn, eventType string, payload any) (*server.ReceiptResponse, error) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var resp server.ReceiptResponse
	err = conn.Invoke(context.Background(), server.FullMethod("SubmitCommand"),
		&server.SubmitCommandRequest{EventType: eventType, Payload: data}, &resp)
	return &resp, err
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPC_GetMarket(t *testing.T) {
	_, srv := newServer(t)
	conn := dial(t, srv)

	var m query.MarketSummary
	require.NoError(t, conn.Invoke(context.Background(), server.FullMethod("GetMarket"),
		&server.MarketRequest{MarketID: testutil.USDC}, &m))
	assert.Equal(t, "900", m.Cash.String())
	assert.Equal(t, "standard", m.Kind)

	err := conn.Invoke(context.Background(), server.FullMethod("GetMarket"),
		&server.MarketRequest{MarketID: "NOPE"}, &m)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_SubmitCommand(t *testing.T) {
	f, srv := newServer(t)
	conn := dial(t, srv)

	payload := mintPayload(f.Lender, 2, "50")
	r, err := submit(t, conn, "Mint", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(9), r.Sequence)
	assert.Equal(t, "50", r.Amount.String())
	assert.False(t, r.Duplicate)
	assert.Len(t, r.StateHash, 64)

	again, err := submit(t, conn, "Mint", payload)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestGRPC_SubmitCommandErrors(t *testing.T) {
	f, srv := newServer(t)
	conn := dial(t, srv)

	tests := []struct {
		name      string
		eventType string
		payload   any
		code      codes.Code
		kind      string
	}{
		{"unknown type", "Teleport", map[string]any{}, codes.InvalidArgument, "Malformed"},
		{"bad amount", "Mint", mintPayload(f.Lender, 2, "lots"), codes.InvalidArgument, "Malformed"},
		{"undercollateralized", "Borrow", mintPayload(f.Borrower, 2, "61"), codes.FailedPrecondition, "InsufficientCollateral"},
		{"stale block", "Mint", mintPayload(f.Lender, 0, "1"), codes.FailedPrecondition, "StaleBlock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := submit(t, conn, tt.eventType, tt.payload)
			require.Error(t, err)
			st := status.Convert(err)
			assert.Equal(t, tt.code, st.Code())
			assert.Contains(t, st.Message(), tt.kind)
		})
	}
}

func TestGRPC_MetricsInterceptor(t *testing.T) {
	f := testutil.NewFixture(t)
	metrics := observability.NewMetrics()
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Engine:        f.Engine,
		IngestService: ingestion.NewGRPCIngestService(f.Engine),
		BlocksPerYear: 2_628_000,
		Metrics:       metrics,
	})
	conn := dial(t, srv)

	var m query.MarketSummary
	require.NoError(t, conn.Invoke(context.Background(), server.FullMethod("GetMarket"),
		&server.MarketRequest{MarketID: testutil.USDC}, &m))
	_ = conn.Invoke(context.Background(), server.FullMethod("GetMarket"), &server.MarketRequest{MarketID: "NOPE"}, &m)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("GetMarket", "OK")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryErrors.WithLabelValues("GetMarket", "NotFound")))
}

func TestGRPC_Health(t *testing.T) {
	_, srv := newServer(t)
	conn := dial(t, srv)
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ============================================================================
// HTTP gateway
// ============================================================================

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGateway_BorrowLimits(t *testing.T) {
	f, srv := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	rec := get(t, h, "/v1/accounts/"+f.Borrower.String()+"/limits/USDC?safety=0.5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var limits server.BorrowLimitsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.Equal(t, "60", limits.AvailableToBorrow.String())
	assert.Equal(t, "30", limits.SafeAvailableToBorrow.String())
	assert.Equal(t, "60", limits.MaxBorrowAmount.String())

	rec = get(t, h, "/v1/accounts/"+f.Borrower.String()+"/limits/USDC?safety=2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_Errors(t *testing.T) {
	f, srv := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/markets/NOPE").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/accounts/not-a-uuid").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/v1/accounts/"+f.Lender.String()+"/transfers").Code,
		"history needs Postgres")
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestGateway_SubmitAndReadBack(t *testing.T) {
	f, srv := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	body, err := json.Marshal(mintPayload(f.Lender, 2, "100"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/commands/Mint", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = get(t, h, "/v1/markets")
	require.Equal(t, http.StatusOK, rec.Code)
	var list server.ListMarketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Markets, 2)
	assert.Equal(t, "1000", list.Markets[1].Cash.String())
	assert.Equal(t, uint64(2), list.Block)
}
