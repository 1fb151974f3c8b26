package core

import (
	"errors"
	"fmt"
	"time"

	"DonationLedger/internal/amount"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/uint128"
)

// DefaultAuditInterval is how many sequences pass between full history audits.
const DefaultAuditInterval = 1000

// Host is the single-threaded call processor sitting between the outside
// world and the Ledger. It plays the role of the execution host: it admits
// calls, orders them, applies them, and emits what must be persisted.
type Host struct {
	sequence      int64
	hasher        *StateHasher
	ledger        *ledger.Ledger
	validator     *ledger.InvariantValidator
	idempotency   *IdempotencyChecker
	nonces        *NonceValidator
	transfers     *TransferBook
	metrics       *observability.Metrics
	logger        zerolog.Logger
	auditInterval int64

	// replaying suppresses idempotency lookups and output emission.
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// done, once closed, bounds how long emit waits on a full persist
	// channel to shutdownGrace.
	done          <-chan struct{}
	shutdownGrace time.Duration
}

// CoreOutput is everything downstream workers need about one applied call.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Call     event.Call

	// Entry is the history record appended by the call, nil for calls that
	// do not touch history. Position is its 0-based history index.
	Entry    *ledger.Entry
	Position int

	// Transfer is set for Withdraw and settlement calls.
	Transfer *Transfer

	// Balance and HistoryLen are the ledger state after the call.
	Balance    uint128.Uint128
	HistoryLen int
}

// Receipt is returned to the submitter of a call.
type Receipt struct {
	Sequence  int64
	Duplicate bool
	Entry     *ledger.Entry
	Position  int
	Transfer  *Transfer
	Balance   uint128.Uint128
}

// HostConfig tunes a Host.
type HostConfig struct {
	StartSequence  int64
	LRUCapacity    int
	AuditInterval  int64
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger

	// Done is closed when the process shuts down. Nil waits forever.
	Done <-chan struct{}
	// ShutdownGrace is how long emit still waits on a blocked persist
	// channel after Done. Defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration
}

// DefaultShutdownGrace bounds the persist wait once shutdown has begun.
const DefaultShutdownGrace = 5 * time.Second

func NewHost(cfg HostConfig) *Host {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 100_000
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = DefaultAuditInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	l := ledger.New()

	return &Host{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		ledger:         l,
		validator:      ledger.NewInvariantValidator(l),
		idempotency:    NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		nonces:         NewNonceValidator(),
		transfers:      NewTransferBook(),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		auditInterval:  cfg.AuditInterval,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		done:           cfg.Done,
		shutdownGrace:  cfg.ShutdownGrace,
	}
}

// ProcessCall is the main processing pipeline. Errors leave every piece of
// state untouched and consume no sequence number.
func (h *Host) ProcessCall(call event.Call) (Receipt, error) {
	start := time.Now()
	callType := call.CallType().String()
	idempotencyKey := call.IdempotencyKey()

	// Step 1: host admission
	if err := h.admit(call); err != nil {
		h.recordRejected(callType, "admission")
		return Receipt{}, err
	}

	// Step 2: idempotency (two-tier)
	if !h.replaying && h.idempotency.IsDuplicate(callType, idempotencyKey) {
		h.recordRejected(callType, "duplicate")
		return Receipt{Duplicate: true, Position: -1}, nil
	}

	// Step 3: per-caller nonce
	caller := call.CallerID()
	nonce := call.CallNonce()
	if err := h.nonces.Check(caller, nonce); err != nil {
		reason := "gap"
		if errors.Is(err, ErrStaleNonce) {
			reason = "stale"
		}
		if h.metrics != nil {
			h.metrics.NonceRejected.WithLabelValues(reason).Inc()
		}
		h.recordRejected(callType, "nonce_"+reason)
		return Receipt{}, err
	}

	// Step 4: dispatch
	output, err := h.dispatch(call)
	if err != nil {
		h.recordRejected(callType, rejectReason(err))
		return Receipt{}, err
	}

	// Step 5: post-check invariants
	if err := h.postCheckInvariants(call, output); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: state hash chain
	hashStart := time.Now()
	prevHash := h.hasher.GetPrevHash()
	stateHash := h.hasher.ComputeHash(h.sequence, stateDigest(h.ledger, output.Entry, output.Transfer))
	if h.metrics != nil {
		h.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	output.Envelope = &event.EventEnvelope{
		Sequence:       h.sequence,
		IdempotencyKey: idempotencyKey,
		CallType:       call.CallType(),
		Caller:         caller,
		Nonce:          nonce,
		Timestamp:      call.CallTime(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output.Call = call
	output.Balance = h.ledger.Balance()
	output.HistoryLen = h.ledger.Len()

	h.sequence++
	h.nonces.Commit(caller, nonce)
	h.idempotency.MarkProcessed(callType, idempotencyKey)

	// Step 7: emit
	if !h.replaying {
		h.emit(output)
		h.logApplied(output)
	}

	if h.metrics != nil {
		h.metrics.CallsApplied.WithLabelValues(callType).Inc()
		h.metrics.CallDuration.WithLabelValues(callType).Observe(time.Since(start).Seconds())
		h.metrics.Sequence.Set(float64(h.sequence))
		h.metrics.PooledBalance.Set(amount.ToDecimal(output.Balance).InexactFloat64())
		h.metrics.HistoryLength.Set(float64(output.HistoryLen))
		h.metrics.TransfersPending.Set(float64(h.transfers.Pending()))
	}

	return Receipt{
		Sequence: output.Envelope.Sequence,
		Entry:    output.Entry,
		Position: output.Position,
		Transfer: output.Transfer,
		Balance:  output.Balance,
	}, nil
}

// admit applies the checks a host makes before a call reaches contract code.
// Value-attaching calls must reserve fees; settlement calls come from the
// host itself and carry no caller.
func (h *Host) admit(call event.Call) error {
	switch call.(type) {
	case *event.Initialize, *event.Donate, *event.Withdraw:
		if !call.CallerID().Valid() {
			return ErrMissingCaller
		}
	case *event.TransferSettled, *event.TransferFailed:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCall, call)
	}
	if d, ok := call.(*event.Donate); ok && call.CallType().Payable() && d.FeeReserve == 0 {
		return ErrInsufficientFeeReserve
	}
	return nil
}

func (h *Host) dispatch(call event.Call) (CoreOutput, error) {
	out := CoreOutput{Position: -1}

	switch c := call.(type) {
	case *event.Initialize:
		if err := h.ledger.Initialize(c.Beneficiary); err != nil {
			return out, err
		}

	case *event.Donate:
		entry, err := h.ledger.RecordDonation(c.Caller, c.Amount)
		if err != nil {
			return out, err
		}
		out.Entry = &entry
		out.Position = h.ledger.Len() - 1

	case *event.Withdraw:
		// A retried withdraw that slipped past idempotency must not replace
		// the transfer it already requested.
		transferID := TransferIDFor(c.IdempotencyKey())
		if err := h.transfers.CheckNew(transferID); err != nil {
			return out, err
		}
		req, err := h.ledger.Withdraw(c.Caller)
		if err != nil {
			return out, err
		}
		entry, _ := h.ledger.EntryAt(h.ledger.Len() - 1)
		out.Entry = &entry
		out.Position = h.ledger.Len() - 1
		t, err := h.transfers.Request(transferID, h.sequence, req, c.Timestamp)
		if err != nil {
			panic(fmt.Sprintf("FATAL: transfer book changed during withdraw: %v", err))
		}
		cp := *t
		out.Transfer = &cp

	case *event.TransferSettled:
		t, err := h.transfers.Resolve(c.TransferID, TransferSettled, "", c.Timestamp)
		if err != nil {
			return out, err
		}
		cp := *t
		out.Transfer = &cp

	case *event.TransferFailed:
		t, err := h.transfers.Resolve(c.TransferID, TransferFailed, c.Reason, c.Timestamp)
		if err != nil {
			return out, err
		}
		cp := *t
		out.Transfer = &cp

	default:
		return out, fmt.Errorf("%w: %T", ErrUnsupportedCall, call)
	}

	return out, nil
}

// postCheckInvariants validates the ledger after a call was applied.
func (h *Host) postCheckInvariants(call event.Call, out CoreOutput) error {
	if !h.ledger.Initialized() {
		return nil
	}

	if err := h.validator.ValidateRunningSum(); err != nil {
		return fmt.Errorf("post-check running sum: %w", err)
	}

	if _, ok := call.(*event.Withdraw); ok && out.Transfer != nil {
		req := ledger.TransferRequest{Beneficiary: out.Transfer.Beneficiary, Amount: out.Transfer.Amount}
		if err := h.validator.ValidateLastWithdrawal(req); err != nil {
			return fmt.Errorf("post-check withdrawal: %w", err)
		}
	}

	if h.sequence > 0 && h.sequence%h.auditInterval == 0 {
		if err := h.validator.ValidateHistorySum(); err != nil {
			return fmt.Errorf("post-check history audit at seq %d: %w", h.sequence, err)
		}
	}

	return nil
}

// emit sends to the persist channel (blocking) and the projection channel
// (non-blocking, dropped when full; projections rebuild from
// ledger.entries). After shutdown begins the persist send gives up after
// shutdownGrace so a dead persistence worker cannot wedge the dispatcher.
func (h *Host) emit(output CoreOutput) {
	if h.persistChan != nil {
		h.sendPersist(output)
	}

	if h.projectionChan != nil {
		select {
		case h.projectionChan <- output:
		default:
			if h.metrics != nil {
				h.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (h *Host) sendPersist(output CoreOutput) {
	select {
	case h.persistChan <- output:
		return
	default:
	}

	select {
	case h.persistChan <- output:
		return
	case <-h.done:
	}

	timer := time.NewTimer(h.shutdownGrace)
	defer timer.Stop()
	select {
	case h.persistChan <- output:
	case <-timer.C:
		h.logger.Error().
			Int64("sequence", output.Envelope.Sequence).
			Str("call_type", output.Envelope.CallType.String()).
			Msg("persist channel blocked during shutdown, output not persisted")
		if h.metrics != nil {
			h.metrics.PersistErrors.WithLabelValues("shutdown_drop").Inc()
		}
	}
}

func (h *Host) logApplied(output CoreOutput) {
	env := output.Envelope
	switch c := output.Call.(type) {
	case *event.Initialize:
		h.logger.Info().
			Int64("sequence", env.Sequence).
			Str("beneficiary", c.Beneficiary.String()).
			Msg("ledger initialized")
	case *event.Donate:
		h.logger.Info().
			Int64("sequence", env.Sequence).
			Str("caller", c.Caller.String()).
			Str("amount", c.Amount.String()).
			Str("amount_display", amount.Human(c.Amount)).
			Msg("donation recorded")
		if h.metrics != nil {
			h.metrics.DonationsTotal.Inc()
		}
	case *event.Withdraw:
		h.logger.Info().
			Int64("sequence", env.Sequence).
			Str("beneficiary", output.Transfer.Beneficiary.String()).
			Str("amount", output.Transfer.Amount.String()).
			Str("transfer_id", output.Transfer.ID.String()).
			Msg("withdrawal recorded, transfer requested")
		if h.metrics != nil {
			h.metrics.WithdrawalsTotal.Inc()
			h.metrics.TransfersRequested.Inc()
		}
	case *event.TransferSettled, *event.TransferFailed:
		h.logger.Info().
			Int64("sequence", env.Sequence).
			Str("transfer_id", output.Transfer.ID.String()).
			Str("status", string(output.Transfer.Status)).
			Str("reason", output.Transfer.Reason).
			Msg("transfer resolved")
		if h.metrics != nil {
			h.metrics.TransfersResolved.WithLabelValues(string(output.Transfer.Status)).Inc()
		}
	}
}

func (h *Host) recordRejected(callType, reason string) {
	if h.metrics != nil {
		h.metrics.CallsRejected.WithLabelValues(callType, reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ledger.ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrUnknownTransfer), errors.Is(err, ErrTransferNotPending):
		return "transfer"
	case errors.Is(err, ErrDuplicateTransfer):
		return "duplicate_transfer"
	default:
		return "other"
	}
}

// --- Reads ---

// Ledger exposes the ledger for read-only use on the dispatcher goroutine.
func (h *Host) Ledger() *ledger.Ledger {
	return h.ledger
}

// Transfer returns a copy of a transfer record.
func (h *Host) Transfer(id uuid.UUID) (Transfer, bool) {
	return h.transfers.Get(id)
}

// ExpectedNonce returns the next nonce caller must use.
func (h *Host) ExpectedNonce(caller ledger.Identity) uint64 {
	return h.nonces.ExpectedNonce(caller)
}

// GetSequence returns the next sequence number to be assigned.
func (h *Host) GetSequence() int64 {
	return h.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (h *Host) GetStateHash() [32]byte {
	return h.hasher.GetPrevHash()
}

// --- Snapshot Restore & Replay ---

// SnapshotState is the in-memory state captured for a snapshot. History
// itself is not part of it; it is reloaded from ledger.entries.
type SnapshotState struct {
	Sequence        int64 // last applied sequence, -1 when nothing was applied
	StateHash       [32]byte
	Initialized     bool
	Beneficiary     ledger.Identity
	Balance         uint128.Uint128
	HistoryLen      int
	Nonces          map[ledger.Identity]uint64
	Transfers       []Transfer
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (h *Host) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        h.sequence - 1,
		StateHash:       h.hasher.GetPrevHash(),
		Initialized:     h.ledger.Initialized(),
		Beneficiary:     h.ledger.Beneficiary(),
		Balance:         h.ledger.Balance(),
		HistoryLen:      h.ledger.Len(),
		Nonces:          h.nonces.Snapshot(),
		Transfers:       h.transfers.All(),
		IdempotencyKeys: h.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot restores in-memory state from a snapshot plus the
// history entries that existed at snapshot time. The balance is rebuilt from
// the entries and must match the snapshot.
func (h *Host) RestoreFromSnapshot(snap *SnapshotState, entries []ledger.Entry) error {
	if len(entries) != snap.HistoryLen {
		return fmt.Errorf("snapshot at seq %d expects %d history entries, got %d",
			snap.Sequence, snap.HistoryLen, len(entries))
	}

	l := ledger.New()
	if snap.Initialized {
		restored, err := ledger.Restore(snap.Beneficiary, entries)
		if err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		if !restored.Balance().Equals(snap.Balance) {
			return fmt.Errorf("snapshot balance %s does not match history balance %s",
				snap.Balance, restored.Balance())
		}
		l = restored
	} else if len(entries) > 0 {
		return fmt.Errorf("uninitialized snapshot with %d history entries", len(entries))
	}

	h.ledger = l
	h.validator = ledger.NewInvariantValidator(l)
	h.sequence = snap.Sequence + 1
	h.hasher.SetPrevHash(snap.StateHash)
	h.nonces.Restore(snap.Nonces)
	h.transfers.Restore(snap.Transfers)
	h.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU cache.
func (h *Host) WarmLRU(keys []string) {
	h.idempotency.lru.WarmFromKeys(keys)
}

// ReplayRecord is one logged call read back from the event log.
type ReplayRecord struct {
	Sequence  int64
	StateHash [32]byte
	Call      event.Call
}

// Replay re-applies logged calls in order without re-emitting outputs.
// Each record must land on its logged sequence and reproduce its logged
// state hash.
func (h *Host) Replay(records []ReplayRecord) error {
	h.replaying = true
	defer func() { h.replaying = false }()

	for _, rec := range records {
		if rec.Sequence != h.sequence {
			return fmt.Errorf("%w: expected sequence %d, log has %d", ErrReplayDiverged, h.sequence, rec.Sequence)
		}
		if _, err := h.ProcessCall(rec.Call); err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Sequence, err)
		}
		if got := h.hasher.GetPrevHash(); got != rec.StateHash {
			return fmt.Errorf("%w: state hash mismatch at seq %d", ErrReplayDiverged, rec.Sequence)
		}
		if h.metrics != nil {
			h.metrics.ReplayCallsTotal.Inc()
		}
	}
	return nil
}
