package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// NewGatewayMux exposes the lending service as HTTP/JSON. Handlers call
// the service in process, so HTTP and gRPC share validation and error
// mapping.
func NewGatewayMux(svc LendingServiceServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes(svc) {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func routes(svc LendingServiceServer) []route {
	return []route{
		{http.MethodPost, "/v1/commands/{event_type}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
				return
			}
			respond(w, r.Context(), &SubmitCommandRequest{EventType: p["event_type"], Payload: body}, svc.SubmitCommand)
		}},
		{http.MethodGet, "/v1/markets", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w, r.Context(), &ListMarketsRequest{}, svc.ListMarkets)
		}},
		{http.MethodGet, "/v1/markets/{market_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w, r.Context(), &MarketRequest{MarketID: p["market_id"]}, svc.GetMarket)
		}},
		{http.MethodGet, "/v1/accounts/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w, r.Context(), &AccountRequest{UserID: p["user_id"]}, svc.GetAccount)
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/limits/{market_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req := &BorrowLimitsRequest{UserID: p["user_id"], MarketID: p["market_id"], Safety: r.URL.Query().Get("safety")}
			respond(w, r.Context(), req, svc.GetBorrowLimits)
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/positions", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			withHistory(w, r, p, svc.ListPositions)
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/transfers", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			withHistory(w, r, p, svc.ListTransfers)
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/liquidations", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			withHistory(w, r, p, svc.ListLiquidations)
		}},
		{http.MethodGet, "/v1/synthetics/{asset}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w, r.Context(), &SyntheticRequest{Asset: p["asset"]}, svc.GetSynthetic)
		}},
		{http.MethodGet, "/v1/admin/event-log", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w, r.Context(), &EventLogInfoRequest{}, svc.GetEventLogInfo)
		}},
		{http.MethodPost, "/v1/admin/verify", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w, r.Context(), &VerifyIntegrityRequest{}, svc.VerifyIntegrity)
		}},
		{http.MethodPost, "/v1/admin/snapshots", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w, r.Context(), &TakeSnapshotRequest{}, svc.TakeSnapshot)
		}},
	}
}

func withHistory[Resp any](w http.ResponseWriter, r *http.Request, p map[string]string, call func(context.Context, *HistoryRequest) (*Resp, error)) {
	req := &HistoryRequest{UserID: p["user_id"]}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid limit %q", v))
			return
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid before %q", v))
			return
		}
		req.BeforeSequence = n
	}
	respond(w, r.Context(), req, call)
}

func respond[Req, Resp any](w http.ResponseWriter, ctx context.Context, req *Req, call func(context.Context, *Req) (*Resp, error)) {
	resp, err := call(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(statusFromError(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
