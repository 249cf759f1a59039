package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"intentbook/core/events"
	"intentbook/native/common"
	"intentbook/native/intents"
	"intentbook/native/matching"
	"intentbook/native/settlement"
	"intentbook/native/subintent"
	"intentbook/native/verifier"
)

// BatchResult is returned for a committed batch. SubIntents reflect their
// status after hand-off to the coordinator.
type BatchResult struct {
	Intents    []*intents.Intent
	SubIntents []*subintent.SubIntent
}

// BatchMatch validates and commits a batch, then begins settlement of every
// leg. Settlement problems never fail the batch; affected legs stay Pending.
func (b *Book) BatchMatch(ctx context.Context, submitter string, matches []matching.Match) (*BatchResult, error) {
	if err := b.guard(common.ModuleMatching); err != nil {
		return nil, err
	}
	ctx, span := b.tracer.Start(ctx, "orderbook.BatchMatch", trace.WithAttributes(
		attribute.String("submitter", submitter),
		attribute.Int("matches", len(matches)),
	))
	defer span.End()

	b.mu.Lock()
	res, err := b.engine.BatchMatch(submitter, matches)
	if err != nil {
		b.mu.Unlock()
		b.metrics.RecordBatch(len(matches), batchFailureReason(err))
		return nil, spanError(span, err)
	}
	out := &BatchResult{Intents: res.Intents, SubIntents: make([]*subintent.SubIntent, 0, len(res.SubIntents))}
	ids := make([]uint64, 0, len(res.SubIntents))
	for _, intent := range res.Intents {
		ids = append(ids, intent.ID)
	}
	subIDs := make([]uint64, 0, len(res.SubIntents))
	for _, sub := range res.SubIntents {
		subIDs = append(subIDs, sub.ID)
		b.emitStatus(sub.ID, "", subintent.StatusPending, 0)
	}
	b.emitter.Emit(events.BatchMatched{Submitter: submitter, IntentIDs: ids, SubIntentID: subIDs})
	b.metrics.RecordBatch(len(matches), "")

	var requests []settlement.SignRequest
	for _, sub := range res.SubIntents {
		req, began, ok := b.beginLocked(sub)
		if ok {
			requests = append(requests, req)
			sub = began
		}
		out.SubIntents = append(out.SubIntents, sub)
	}
	b.refreshOpenGauge()
	b.mu.Unlock()

	b.dispatch(ctx, requests)
	return out, nil
}

func (b *Book) settlementOpen() bool {
	return b.requester != nil && common.Guard(b.pauses, common.ModuleSettlement) == nil
}

// beginLocked hands a Pending leg to the coordinator. Failures are logged and
// leave the leg Pending.
func (b *Book) beginLocked(sub *subintent.SubIntent) (settlement.SignRequest, *subintent.SubIntent, bool) {
	if !b.settlementOpen() {
		return settlement.SignRequest{}, sub, false
	}
	req, began, err := b.coord.Begin(sub.ID, nil, "", "")
	if err != nil {
		b.logger.Warn("settlement hand-off failed; leg left pending",
			slog.Uint64("sub_intent_id", sub.ID),
			slog.Any("error", err))
		return settlement.SignRequest{}, sub, false
	}
	b.emitStatus(began.ID, sub.Status, began.Status, began.Attempt)
	return req, began, true
}

// dispatch sends signing requests. It must be called without holding the
// mutex since requesters may invoke the callback synchronously.
func (b *Book) dispatch(ctx context.Context, requests []settlement.SignRequest) {
	if len(requests) == 0 || b.requester == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, req := range requests {
		started := time.Now()
		b.requester.Request(base, req, func(r settlement.SignRequest, sig subintent.Signature, err error) {
			b.metrics.ObserveSigning(time.Since(started), err == nil)
			if _, cbErr := b.HandleSignature(r.SubIntentID, r.Attempt, sig, err); cbErr != nil {
				b.logger.Error("signing callback rejected",
					slog.Uint64("sub_intent_id", r.SubIntentID),
					slog.Any("error", cbErr))
			}
		})
	}
}

// ResumeSigning re-sends the current attempt of every Signing leg, typically
// after Restore. The attempt is unchanged, so whichever result arrives first
// is applied and the other is ignored. It returns the number of requests sent.
func (b *Book) ResumeSigning(ctx context.Context) int {
	if !b.settlementOpen() {
		return 0
	}
	b.mu.Lock()
	var requests []settlement.SignRequest
	for _, sub := range b.table.All() {
		if sub.Status != subintent.StatusSigning {
			continue
		}
		req, err := b.coord.Request(sub.ID)
		if err != nil {
			b.logger.Warn("cannot resume signing",
				slog.Uint64("sub_intent_id", sub.ID),
				slog.Any("error", err))
			continue
		}
		requests = append(requests, req)
	}
	b.mu.Unlock()

	if len(requests) > 0 {
		b.logger.Info("resuming interrupted signing", slog.Int("legs", len(requests)))
	}
	b.dispatch(ctx, requests)
	return len(requests)
}

// HandleSignature applies a signing result. Results for legs that are no
// longer Signing, or for superseded attempts, are ignored.
func (b *Book) HandleSignature(id uint64, attempt uint32, sig subintent.Signature, signErr error) (settlement.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, err := b.coord.HandleResult(id, attempt, sig, signErr)
	if err != nil {
		return out, err
	}
	if !out.Applied {
		b.logger.Debug("ignoring stale signing result",
			slog.Uint64("sub_intent_id", id),
			slog.Uint64("attempt", uint64(attempt)))
		return out, nil
	}
	for _, tr := range out.Transitions {
		b.emitStatus(id, tr.From, tr.To, out.Sub.Attempt)
	}
	if out.Refunded {
		reason := ""
		if signErr != nil {
			reason = signErr.Error()
		}
		b.metrics.RecordRefund(out.Sub.Asset)
		b.logger.Warn("signing failed; leg refunded",
			slog.Uint64("sub_intent_id", id),
			slog.String("payer", out.Sub.Payer),
			slog.String("reason", reason))
		b.emitter.Emit(events.LegRefunded{
			SubIntentID: id,
			Payer:       out.Sub.Payer,
			Asset:       out.Sub.Asset,
			Amount:      out.Sub.Amount,
			Reason:      reason,
		})
		return out, nil
	}
	b.emitter.Emit(events.SignatureIssued{
		SubIntentID:    id,
		Chain:          string(out.Sub.Chain),
		Payload:        out.Sub.Payload.String(),
		BigR:           out.Sub.Signature.BigR,
		S:              out.Sub.Signature.S,
		RecoveryID:     out.Sub.Signature.RecoveryID,
		TransitionMemo: verifier.TransitionMemo(id),
	})
	return out, nil
}

// Retry re-enters signing for a Pending or Refunded leg.
func (b *Book) Retry(ctx context.Context, caller string, id uint64, payload []byte, path string, chain common.ChainType) (*subintent.SubIntent, error) {
	if err := b.guard(common.ModuleSettlement); err != nil {
		return nil, err
	}
	if b.requester == nil {
		return nil, fmt.Errorf("orderbook: no signing service configured: %w", common.ErrSigningFailed)
	}
	b.mu.Lock()
	before, err := b.table.Get(id)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	req, sub, err := b.coord.Retry(caller, id, payload, path, chain)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.emitStatus(id, before.Status, sub.Status, sub.Attempt)
	b.mu.Unlock()

	b.dispatch(ctx, []settlement.SignRequest{req})
	return sub, nil
}

// Withdraw creates and begins signing a withdrawal leg.
func (b *Book) Withdraw(ctx context.Context, req settlement.WithdrawRequest) (*subintent.SubIntent, error) {
	if err := b.guard(common.ModuleWithdrawals); err != nil {
		return nil, err
	}
	if b.requester == nil {
		return nil, fmt.Errorf("orderbook: no signing service configured: %w", common.ErrSigningFailed)
	}
	b.mu.Lock()
	signReq, sub, err := b.coord.Withdraw(req)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.emitStatus(sub.ID, "", subintent.StatusPending, 0)
	b.emitStatus(sub.ID, subintent.StatusPending, sub.Status, sub.Attempt)
	b.mu.Unlock()

	b.dispatch(ctx, []settlement.SignRequest{signReq})
	return sub, nil
}

// VerifyTransition closes a leg once its outbound transfer is proven. The
// light client is consulted without holding the mutex; the result only
// applies if the leg has not moved on in the meantime.
func (b *Book) VerifyTransition(ctx context.Context, id uint64, proof []byte, recipient, txHash string) (*subintent.SubIntent, error) {
	ctx, span := b.tracer.Start(ctx, "orderbook.VerifyTransition", trace.WithAttributes(
		attribute.Int64("sub_intent_id", int64(id)),
	))
	defer span.End()

	b.mu.Lock()
	check, err := b.verifier.PrepareTransition(id, recipient)
	b.mu.Unlock()
	if err != nil {
		return nil, spanError(span, err)
	}
	if err := b.verifier.CheckTransition(ctx, check, proof, txHash); err != nil {
		b.metrics.RecordVerification("transition", false)
		return nil, spanError(span, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, changed, err := b.verifier.CompleteTransition(check, txHash)
	if err != nil {
		return nil, spanError(span, err)
	}
	if changed {
		b.metrics.RecordVerification("transition", true)
		b.emitStatus(id, subintent.StatusAwaitingTransition, subintent.StatusCompleted, sub.Attempt)
		b.emitter.Emit(events.TransitionVerified{SubIntentID: id, TxHash: sub.TxHash, Recipient: sub.Recipient})
	}
	return sub, nil
}

func (b *Book) emitStatus(id uint64, from, to subintent.Status, attempt uint32) {
	b.metrics.RecordTransition(string(from), string(to))
	b.emitter.Emit(events.SubIntentStatus{SubIntentID: id, From: string(from), To: string(to), Attempt: attempt})
}

func batchFailureReason(err error) string {
	switch {
	case isKind(err, common.ErrUnfairPrice):
		return "unfair_price"
	case isKind(err, common.ErrOverFill):
		return "over_fill"
	case isKind(err, common.ErrInsufficientLiquidity, common.ErrInsufficientBalance):
		return "insufficient_liquidity"
	case isKind(err, common.ErrIntentNotMatchable):
		return "not_matchable"
	case isKind(err, common.ErrInvalidBatch, common.ErrInvalidAmount):
		return "invalid"
	default:
		return "error"
	}
}
