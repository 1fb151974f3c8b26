package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"DonationLedger/internal/amount"
	"DonationLedger/internal/core"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// CallerMetadataKey carries the authenticated caller identity.
	CallerMetadataKey = "x-ledger-caller"
	// AdminTokenMetadataKey carries the admin token for AdminService.
	AdminTokenMetadataKey = "x-admin-token"
)

// Backend is the authoritative ledger surface. *core.Dispatcher satisfies it.
type Backend interface {
	Submit(ctx context.Context, call event.Call) (core.Receipt, error)
	HistoryPage(ctx context.Context, offset, limit int) (core.HistoryPage, error)
	View(ctx context.Context) (core.LedgerView, error)
	Beneficiary(ctx context.Context) (ledger.Identity, error)
	Transfer(ctx context.Context, id uuid.UUID) (core.Transfer, error)
	ExpectedNonce(ctx context.Context, caller ledger.Identity) (uint64, error)
}

// Queries is the projection read surface. *query.QueryService satisfies it.
type Queries interface {
	TopDonors(ctx context.Context, limit int) (*query.TopDonorsResponse, error)
	DonorTotal(ctx context.Context, donor string) (*query.DonorTotalResponse, error)
	DonorEntries(ctx context.Context, actor string, limit int, afterPosition *int64) ([]query.EntryResponse, error)
	PoolSummary(ctx context.Context) (*query.PoolSummaryResponse, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*query.TransferResponse, error)
	ListTransfers(ctx context.Context, status string, limit int, beforeSequence *int64) ([]query.TransferResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// ============================================================================
// LedgerService: calls and authoritative reads
// ============================================================================

// LedgerService turns requests into host calls. The caller identity comes
// from request metadata and is never taken from the body.
type LedgerService struct {
	backend Backend
	queries Queries
	now     func() time.Time
	logger  zerolog.Logger
}

func NewLedgerService(backend Backend, queries Queries, logger zerolog.Logger) *LedgerService {
	return &LedgerService{
		backend: backend,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

func (s *LedgerService) Initialize(ctx context.Context, req *InitializeRequest) (*CallResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	callID, err := parseCallID(req.CallID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Initialize{
		CallID:      callID,
		Caller:      caller,
		Beneficiary: ledger.Identity(req.Beneficiary),
		Timestamp:   s.timestamp(),
	})
}

func (s *LedgerService) Donate(ctx context.Context, req *DonateRequest) (*CallResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	callID, err := parseCallID(req.CallID)
	if err != nil {
		return nil, err
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	return s.submit(ctx, &event.Donate{
		CallID:     callID,
		Caller:     caller,
		Amount:     amt,
		FeeReserve: req.FeeReserve,
		Nonce:      req.Nonce,
		Timestamp:  s.timestamp(),
	})
}

func (s *LedgerService) Withdraw(ctx context.Context, req *WithdrawRequest) (*CallResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	callID, err := parseCallID(req.CallID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Withdraw{
		CallID:     callID,
		Caller:     caller,
		FeeReserve: req.FeeReserve,
		Nonce:      req.Nonce,
		Timestamp:  s.timestamp(),
	})
}

func (s *LedgerService) submit(ctx context.Context, call event.Call) (*CallResponse, error) {
	receipt, err := s.backend.Submit(ctx, call)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("call_type", call.CallType().String()).
			Str("caller", string(call.CallerID())).
			Msg("call rejected")
		return nil, toStatus(err)
	}
	return callResponse(receipt), nil
}

func (s *LedgerService) GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error) {
	if req.Offset < 0 || req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset and limit must not be negative")
	}
	page, err := s.backend.HistoryPage(ctx, req.Offset, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &GetHistoryResponse{
		Entries:      make([]EntryMessage, 0, len(page.Entries)),
		Offset:       page.Offset,
		Total:        page.Total,
		AsOfSequence: page.AsOfSequence,
	}
	for i, e := range page.Entries {
		resp.Entries = append(resp.Entries, entryMessage(e, page.Offset+i))
	}
	return resp, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, _ *GetBalanceRequest) (*GetBalanceResponse, error) {
	view, err := s.backend.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetBalanceResponse{
		Balance:      view.Balance.String(),
		BalanceHuman: amount.Human(view.Balance),
		HistoryLen:   view.HistoryLen,
		AsOfSequence: view.AsOfSequence,
	}, nil
}

func (s *LedgerService) GetBeneficiary(ctx context.Context, _ *GetBeneficiaryRequest) (*GetBeneficiaryResponse, error) {
	view, err := s.backend.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !view.Initialized {
		return nil, toStatus(ledger.ErrNotInitialized)
	}
	return &GetBeneficiaryResponse{
		Beneficiary:  string(view.Beneficiary),
		AsOfSequence: view.AsOfSequence,
	}, nil
}

// GetTransfer reads the transfer book held by the host, which is always
// current; the projected copy in Postgres may lag.
func (s *LedgerService) GetTransfer(ctx context.Context, req *GetTransferRequest) (*TransferMessage, error) {
	id, err := uuid.Parse(req.TransferID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "transfer_id: %v", err)
	}
	view, err := s.backend.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	t, err := s.backend.Transfer(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	msg := transferMessage(t)
	msg.AsOfSequence = view.AsOfSequence
	return msg, nil
}

func (s *LedgerService) GetExpectedNonce(ctx context.Context, req *GetExpectedNonceRequest) (*GetExpectedNonceResponse, error) {
	caller := ledger.Identity(req.Caller)
	if caller == "" {
		var err error
		if caller, err = callerFrom(ctx); err != nil {
			return nil, err
		}
	}
	n, err := s.backend.ExpectedNonce(ctx, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetExpectedNonceResponse{Caller: string(caller), Nonce: n}, nil
}

func (s *LedgerService) TopDonors(ctx context.Context, req *TopDonorsRequest) (*query.TopDonorsResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	resp, err := s.queries.TopDonors(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) timestamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// ============================================================================
// QueryService: projected reads
// ============================================================================

type GetDonorRequest struct {
	Donor string `json:"donor"`
}

type ListDonorEntriesRequest struct {
	Donor         string `json:"donor"`
	Limit         int    `json:"limit,omitempty"`
	AfterPosition *int64 `json:"after_position,omitempty"`
}

type ListDonorEntriesResponse struct {
	Entries []query.EntryResponse `json:"entries"`
}

type GetPoolSummaryRequest struct{}

type ListTransfersRequest struct {
	Status         string `json:"status,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type ListTransfersResponse struct {
	Transfers []query.TransferResponse `json:"transfers"`
}

// QueryService serves the Postgres projections. Responses may trail the
// host; each carries as_of_sequence.
type QueryService struct {
	qs Queries
}

func NewQueryService(qs Queries) *QueryService {
	return &QueryService{qs: qs}
}

func (s *QueryService) TopDonors(ctx context.Context, req *TopDonorsRequest) (*query.TopDonorsResponse, error) {
	resp, err := s.qs.TopDonors(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *QueryService) GetDonor(ctx context.Context, req *GetDonorRequest) (*query.DonorTotalResponse, error) {
	if req.Donor == "" {
		return nil, status.Error(codes.InvalidArgument, "donor is required")
	}
	resp, err := s.qs.DonorTotal(ctx, req.Donor)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *QueryService) ListDonorEntries(ctx context.Context, req *ListDonorEntriesRequest) (*ListDonorEntriesResponse, error) {
	if req.Donor == "" {
		return nil, status.Error(codes.InvalidArgument, "donor is required")
	}
	entries, err := s.qs.DonorEntries(ctx, req.Donor, req.Limit, req.AfterPosition)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListDonorEntriesResponse{Entries: entries}, nil
}

func (s *QueryService) GetPoolSummary(ctx context.Context, _ *GetPoolSummaryRequest) (*query.PoolSummaryResponse, error) {
	resp, err := s.qs.PoolSummary(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *QueryService) GetTransfer(ctx context.Context, req *GetTransferRequest) (*query.TransferResponse, error) {
	id, err := uuid.Parse(req.TransferID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "transfer_id: %v", err)
	}
	resp, err := s.qs.GetTransfer(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *QueryService) ListTransfers(ctx context.Context, req *ListTransfersRequest) (*ListTransfersResponse, error) {
	if req.Status != "" {
		if _, err := core.ParseTransferStatus(req.Status); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "status: %v", err)
		}
	}
	transfers, err := s.qs.ListTransfers(ctx, req.Status, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListTransfersResponse{Transfers: transfers}, nil
}

// ============================================================================
// AdminService
// ============================================================================

// SnapshotTaker forces a snapshot. *bridge.Snapshotter satisfies it.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context) error
}

// EventLogReader reports the event log tip. *persistence.SnapshotManager
// satisfies it.
type EventLogReader interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

type GetEventLogInfoRequest struct{}

type GetEventLogInfoResponse struct {
	LastSequence  int64 `json:"last_sequence"`
	HostSequence  int64 `json:"host_sequence"`
	PersistingLag int64 `json:"persisting_lag"`
}

// AdminDeps wires the admin operations. A nil member disables its method.
type AdminDeps struct {
	Token              string
	Backend            Backend
	Snapshots          SnapshotTaker
	EventLog           EventLogReader
	Queries            Queries
	RebuildProjections func(ctx context.Context) (int64, error)
}

// AdminService exposes operator actions. Every method requires the admin
// token in metadata; with no token configured the service refuses all calls.
type AdminService struct {
	deps   AdminDeps
	logger zerolog.Logger
}

func NewAdminService(deps AdminDeps, logger zerolog.Logger) *AdminService {
	return &AdminService{deps: deps, logger: logger}
}

func (s *AdminService) authorize(ctx context.Context) error {
	if s.deps.Token == "" {
		return status.Error(codes.PermissionDenied, "admin service disabled")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(AdminTokenMetadataKey)
	if len(vals) == 0 || subtle.ConstantTimeCompare([]byte(vals[0]), []byte(s.deps.Token)) != 1 {
		return status.Error(codes.PermissionDenied, "admin token required")
	}
	return nil
}

func (s *AdminService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil || s.deps.Backend == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	view, err := s.deps.Backend.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.deps.Snapshots.TakeSnapshot(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	s.logger.Info().Int64("sequence", view.AsOfSequence).Msg("snapshot taken on request")
	return &TakeSnapshotResponse{Sequence: view.AsOfSequence}, nil
}

func (s *AdminService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.deps.RebuildProjections == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	seq, err := s.deps.RebuildProjections(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Sequence: seq}, nil
}

func (s *AdminService) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.deps.EventLog == nil || s.deps.Backend == nil {
		return nil, status.Error(codes.Unimplemented, "event log is not configured")
	}
	latest, err := s.deps.EventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	view, err := s.deps.Backend.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetEventLogInfoResponse{
		LastSequence:  latest,
		HostSequence:  view.AsOfSequence,
		PersistingLag: view.AsOfSequence - latest,
	}, nil
}

func (s *AdminService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.deps.Queries == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	report, err := s.deps.Queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

// ============================================================================
// Helpers
// ============================================================================

func callerFrom(ctx context.Context) (ledger.Identity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(CallerMetadataKey)
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return "", status.Errorf(codes.Unauthenticated, "%s metadata is required", CallerMetadataKey)
	}
	return ledger.Identity(vals[0]), nil
}

// parseCallID accepts a client-chosen call id for retries and generates one
// otherwise.
func parseCallID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "call_id: %v", err)
	}
	return id, nil
}

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, ledger.ErrAlreadyInitialized),
		errors.Is(err, ledger.ErrNotInitialized),
		errors.Is(err, core.ErrTransferNotPending):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, core.ErrInsufficientFeeReserve),
		errors.Is(err, core.ErrMissingCaller),
		errors.Is(err, core.ErrUnsupportedCall):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrNonceGap), errors.Is(err, core.ErrStaleNonce):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, core.ErrUnknownTransfer), errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrDuplicateTransfer):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, core.ErrDispatcherClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal: %v", err))
	}
}
