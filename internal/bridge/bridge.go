// Package bridge converts host outputs and snapshots into the shapes the
// persistence, projection and outbound packages consume. Keeping the
// conversions here avoids import cycles between core and those packages.
package bridge

import (
	"encoding/hex"
	"fmt"

	"DonationLedger/internal/core"
	"DonationLedger/internal/ingestion"
	"DonationLedger/internal/observability"
	"DonationLedger/internal/persistence"
	"DonationLedger/internal/projection"

	"github.com/rs/zerolog"
)

// Bridge fans host outputs out to the persistence worker (blocking), the
// projection worker and the outbound publisher (both non-blocking with drop).
type Bridge struct {
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	metrics       *observability.Metrics
	logger        zerolog.Logger

	// Abort, once closed, stops waiting on a full persistOut; remaining
	// outputs are dropped so the host channels can still be drained.
	// Nil waits forever.
	Abort <-chan struct{}
}

// New builds a bridge. projectionOut and publishOut may be nil.
func New(
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Bridge {
	return &Bridge{
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		metrics:       metrics,
		logger:        logger,
	}
}

// Run drains the host channels until persistIn is closed, then closes every
// output channel so downstream workers flush and exit. It does not watch a
// context: the host may still be blocked sending on persistIn, and stopping
// early would wedge it. Closing Abort only makes persistence sends give up;
// draining continues until persistIn closes.
func (b *Bridge) Run(persistIn, projectionIn <-chan core.CoreOutput) {
	defer b.closeOutputs()

	for {
		select {
		case output, ok := <-persistIn:
			if !ok {
				return
			}
			b.forwardPersist(output)

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			b.forwardProjection(output)
		}
	}
}

func (b *Bridge) forwardPersist(output core.CoreOutput) {
	pOutput, err := ToPersistence(output)
	if err != nil {
		// Every call type the host applies is encodable, so this is a bug.
		panic(fmt.Sprintf("FATAL: bridge cannot encode seq %d: %v", output.Envelope.Sequence, err))
	}
	select {
	case b.persistOut <- pOutput:
	case <-b.Abort:
		if b.metrics != nil {
			b.metrics.PersistErrors.WithLabelValues("bridge_abort").Inc()
		}
		b.logger.Error().Int64("sequence", output.Envelope.Sequence).Msg("persistence not draining, output dropped")
		return
	}

	if b.publishOut == nil {
		return
	}
	select {
	case b.publishOut <- ToPublishable(output, pOutput.EventRow.Payload):
	default:
		if b.metrics != nil {
			b.metrics.PublishDrops.Inc()
		}
		b.logger.Debug().Int64("sequence", output.Envelope.Sequence).Msg("publish channel full, dropped")
	}
}

func (b *Bridge) forwardProjection(output core.CoreOutput) {
	if b.projectionOut == nil {
		return
	}
	select {
	case b.projectionOut <- ToProjection(output):
	default:
		if b.metrics != nil {
			b.metrics.ProjectionDrops.Inc()
		}
	}
}

func (b *Bridge) closeOutputs() {
	close(b.persistOut)
	if b.projectionOut != nil {
		close(b.projectionOut)
	}
	if b.publishOut != nil {
		close(b.publishOut)
	}
}

// ToPersistence converts a host output into event, entry and transfer rows.
// The payload is the call in wire format, so replay can decode it.
func ToPersistence(output core.CoreOutput) (persistence.CoreOutput, error) {
	env := output.Envelope
	payload, err := ingestion.EncodeCall(output.Call)
	if err != nil {
		return persistence.CoreOutput{}, err
	}

	stateHash := env.StateHash
	prevHash := env.PrevHash

	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			CallType:       env.CallType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         string(env.Caller),
			Nonce:          int64(env.Nonce),
			Payload:        payload,
			StateHash:      stateHash[:],
			PrevHash:       prevHash[:],
			Timestamp:      env.Timestamp,
		},
	}

	if e := output.Entry; e != nil {
		pOutput.EntryRow = &persistence.EntryRow{
			Position:  int64(output.Position),
			Sequence:  env.Sequence,
			Actor:     string(e.Actor),
			Kind:      e.Kind.String(),
			Amount:    e.Amount.String(),
			Timestamp: env.Timestamp,
		}
	}

	if t := output.Transfer; t != nil {
		pOutput.TransferRow = &persistence.TransferRow{
			TransferID:  t.ID.String(),
			Sequence:    t.Sequence,
			Beneficiary: string(t.Beneficiary),
			Amount:      t.Amount.String(),
			Status:      string(t.Status),
			Reason:      t.Reason,
			UpdatedAt:   t.UpdatedAt,
		}
	}

	return pOutput, nil
}

// ToProjection converts a host output for the projection worker.
func ToProjection(output core.CoreOutput) projection.ProjectionOutput {
	p := projection.ProjectionOutput{
		Sequence:   output.Envelope.Sequence,
		CallType:   output.Envelope.CallType.String(),
		Balance:    output.Balance.String(),
		HistoryLen: output.HistoryLen,
		Timestamp:  output.Envelope.Timestamp,
	}
	if e := output.Entry; e != nil {
		p.Entry = &projection.EntryView{
			Actor:  string(e.Actor),
			Kind:   e.Kind.String(),
			Amount: e.Amount.String(),
		}
	}
	return p
}

// ToPublishable converts a host output for the outbound publisher.
func ToPublishable(output core.CoreOutput, payload []byte) ingestion.PublishableEvent {
	env := output.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		CallType:       env.CallType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         string(env.Caller),
		Payload:        payload,
		Balance:        output.Balance.String(),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if e := output.Entry; e != nil {
		evt.Entry = &ingestion.PublishedEntry{
			Position: output.Position,
			Actor:    string(e.Actor),
			Kind:     e.Kind.String(),
			Amount:   e.Amount.String(),
		}
	}
	if t := output.Transfer; t != nil {
		evt.Transfer = &ingestion.PublishedTransfer{
			TransferID:  t.ID.String(),
			Beneficiary: string(t.Beneficiary),
			Amount:      t.Amount.String(),
			Status:      string(t.Status),
			Reason:      t.Reason,
		}
	}
	return evt
}
