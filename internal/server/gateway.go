package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	CallerHeader     = "X-Ledger-Caller"
	AdminTokenHeader = "X-Admin-Token"
)

// Handler returns the HTTP/JSON surface. Routes call the same service
// implementations as gRPC, in process.
func (s *GRPCServer) Handler() http.Handler {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		h       runtime.HandlerFunc
	}{
		{"POST", "/v1/initialize", s.handleInitialize},
		{"POST", "/v1/donations", s.handleDonate},
		{"POST", "/v1/withdrawals", s.handleWithdraw},
		{"GET", "/v1/history", s.handleHistory},
		{"GET", "/v1/balance", s.handleBalance},
		{"GET", "/v1/beneficiary", s.handleBeneficiary},
		{"GET", "/v1/nonce", s.handleNonce},
		{"GET", "/v1/donors/{donor}", s.handleDonor},
		{"GET", "/v1/donors/{donor}/entries", s.handleDonorEntries},
		{"GET", "/v1/pool", s.handlePool},
		{"GET", "/v1/transfers", s.handleListTransfers},
		{"GET", "/v1/transfers/{transfer_id}", s.handleTransfer},
		{"POST", "/v1/admin/snapshot", s.handleTakeSnapshot},
		{"POST", "/v1/admin/rebuild-projections", s.handleRebuildProjections},
		{"GET", "/v1/admin/event-log", s.handleEventLogInfo},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			// Patterns are constants; a failure here is a programming error.
			panic(fmt.Sprintf("FATAL: register route %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	// Health endpoints
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// --- LedgerService ---

func (s *GRPCServer) handleInitialize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req InitializeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.ledger.Initialize(incomingContext(r), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleDonate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req DonateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.ledger.Donate(incomingContext(r), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req WithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.ledger.Withdraw(incomingContext(r), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req GetHistoryRequest
	var err error
	if req.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, err)
		return
	}
	if req.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ledger.GetHistory(r.Context(), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleBalance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.ledger.GetBalance(r.Context(), &GetBalanceRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleBeneficiary(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.ledger.GetBeneficiary(r.Context(), &GetBeneficiaryRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleNonce(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req := GetExpectedNonceRequest{Caller: r.URL.Query().Get("caller")}
	resp, err := s.ledger.GetExpectedNonce(incomingContext(r), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleTransfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.GetTransfer(r.Context(), &GetTransferRequest{TransferID: params["transfer_id"]})
	writeResult(w, http.StatusOK, resp, err)
}

// --- QueryService ---

func (s *GRPCServer) handleDonor(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if params["donor"] == "top" {
		s.handleTopDonors(w, r)
		return
	}
	if s.query == nil {
		writeError(w, errProjectionsDisabled)
		return
	}
	resp, err := s.query.GetDonor(r.Context(), &GetDonorRequest{Donor: params["donor"]})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleTopDonors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ledger.TopDonors(r.Context(), &TopDonorsRequest{Limit: limit})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleDonorEntries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.query == nil {
		writeError(w, errProjectionsDisabled)
		return
	}
	req := ListDonorEntriesRequest{Donor: params["donor"]}
	var err error
	if req.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if req.AfterPosition, err = optionalInt64Param(r, "after_position"); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.query.ListDonorEntries(r.Context(), &req)
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handlePool(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.query == nil {
		writeError(w, errProjectionsDisabled)
		return
	}
	resp, err := s.query.GetPoolSummary(r.Context(), &GetPoolSummaryRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleListTransfers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.query == nil {
		writeError(w, errProjectionsDisabled)
		return
	}
	req := ListTransfersRequest{Status: r.URL.Query().Get("status")}
	var err error
	if req.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if req.BeforeSequence, err = optionalInt64Param(r, "before_sequence"); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.query.ListTransfers(r.Context(), &req)
	writeResult(w, http.StatusOK, resp, err)
}

// --- AdminService ---

func (s *GRPCServer) handleTakeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.TakeSnapshot(incomingContext(r), &TakeSnapshotRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.RebuildProjections(incomingContext(r), &RebuildProjectionsRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.GetEventLogInfo(incomingContext(r), &GetEventLogInfoRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.VerifyIntegrity(incomingContext(r), &VerifyIntegrityRequest{})
	writeResult(w, http.StatusOK, resp, err)
}

// --- helpers ---

var errProjectionsDisabled = status.Error(codes.Unavailable, "projections are not configured")

// incomingContext moves the identity headers into gRPC metadata so the
// services read them the same way for both transports.
func incomingContext(r *http.Request) context.Context {
	md := metadata.MD{}
	if v := r.Header.Get(CallerHeader); v != "" {
		md.Set(CallerMetadataKey, v)
	}
	if v := r.Header.Get(AdminTokenHeader); v != "" {
		md.Set(AdminTokenMetadataKey, v)
	}
	return metadata.NewIncomingContext(r.Context(), md)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, status.Errorf(codes.InvalidArgument, "request body: %v", err))
		return false
	}
	return true
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return v, nil
}

func optionalInt64Param(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return &v, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, code int, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
