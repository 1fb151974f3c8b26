package ingestion

import (
	"context"
	"errors"

	"DonationLedger/internal/core"
	"DonationLedger/internal/event"

	"github.com/rs/zerolog"
)

// CallSubmitter is the dispatcher surface the ingestion loop needs.
type CallSubmitter interface {
	Submit(ctx context.Context, call event.Call) (core.Receipt, error)
}

// RunIngestionLoop parses raw NATS calls and submits them one at a time.
//
// Unparseable messages are acked and dropped; redelivery cannot fix them.
// A nonce gap is nacked so JetStream redelivers the call once the missing
// nonce has arrived on its own subject. Every other ledger rejection is
// final and acked. Blocks until ctx is cancelled or rawChan is closed.
func RunIngestionLoop(ctx context.Context, rawChan <-chan RawEvent, submitter CallSubmitter, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			handleRaw(ctx, raw, submitter, logger)
		}
	}
}

func handleRaw(ctx context.Context, raw RawEvent, submitter CallSubmitter, logger zerolog.Logger) {
	call, err := ParseRawEvent(raw, raw.CallType)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse call failed")
		raw.AckFunc()
		return
	}

	receipt, err := submitter.Submit(ctx, call)
	switch {
	case err == nil:
		if receipt.Duplicate {
			logger.Debug().Str("call_type", call.CallType().String()).Str("key", call.IdempotencyKey()).Msg("duplicate call acked")
		}
		raw.AckFunc()

	case errors.Is(err, core.ErrDispatcherClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		raw.NakFunc()

	case errors.Is(err, core.ErrNonceGap):
		logger.Info().Err(err).Str("caller", string(call.CallerID())).Msg("nonce gap, call will be redelivered")
		raw.NakFunc()

	default:
		logger.Warn().Err(err).
			Str("call_type", call.CallType().String()).
			Str("key", call.IdempotencyKey()).
			Msg("call rejected")
		raw.AckFunc()
	}
}
