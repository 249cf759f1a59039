package events

import (
	"math/big"
	"strconv"
)

const (
	TypeBalanceDeposited  = "ledger.deposited"
	TypeIntentCreated     = "intent.created"
	TypeIntentTaken       = "intent.taken"
	TypeIntentCancelled   = "intent.cancelled"
	TypeBatchMatched      = "batch.matched"
	TypeSubIntentStatus   = "subintent.status"
	TypeSignatureIssued   = "subintent.signed"
	TypeLegRefunded       = "subintent.refunded"
	TypeTransitionVerified = "subintent.completed"
)

// BalanceDeposited is emitted when an external deposit (proven or operator
// issued) credits the ledger.
type BalanceDeposited struct {
	Owner  string
	Asset  string
	Amount *big.Int
	Source string
	Memo   string
}

func (BalanceDeposited) EventType() string { return TypeBalanceDeposited }

func (e BalanceDeposited) Record() Record {
	attrs := map[string]string{
		"owner":  e.Owner,
		"asset":  normalizeAsset(e.Asset),
		"amount": formatAmount(e.Amount),
	}
	putIfSet(attrs, "source", e.Source)
	putIfSet(attrs, "memo", e.Memo)
	return Record{Type: TypeBalanceDeposited, Attributes: attrs}
}

// IntentCreated is emitted once the maker escrow has been debited.
type IntentCreated struct {
	IntentID  uint64
	Maker     string
	SrcAsset  string
	SrcAmount *big.Int
	DstAsset  string
	DstAmount *big.Int
}

func (IntentCreated) EventType() string { return TypeIntentCreated }

func (e IntentCreated) Record() Record {
	return Record{Type: TypeIntentCreated, Attributes: map[string]string{
		"intentId":  formatID(e.IntentID),
		"maker":     e.Maker,
		"srcAsset":  normalizeAsset(e.SrcAsset),
		"srcAmount": formatAmount(e.SrcAmount),
		"dstAsset":  normalizeAsset(e.DstAsset),
		"dstAmount": formatAmount(e.DstAmount),
	}}
}

// IntentTaken is emitted for the synchronous single-taker fill path.
type IntentTaken struct {
	IntentID  uint64
	Taker     string
	Amount    *big.Int
	Paid      *big.Int
	Remaining *big.Int
	Status    string
}

func (IntentTaken) EventType() string { return TypeIntentTaken }

func (e IntentTaken) Record() Record {
	return Record{Type: TypeIntentTaken, Attributes: map[string]string{
		"intentId":  formatID(e.IntentID),
		"taker":     e.Taker,
		"amount":    formatAmount(e.Amount),
		"paid":      formatAmount(e.Paid),
		"remaining": formatAmount(e.Remaining),
		"status":    e.Status,
	}}
}

// IntentCancelled is emitted when the escrow of an untouched intent returns to
// its maker.
type IntentCancelled struct {
	IntentID uint64
	Maker    string
	Refunded *big.Int
}

func (IntentCancelled) EventType() string { return TypeIntentCancelled }

func (e IntentCancelled) Record() Record {
	return Record{Type: TypeIntentCancelled, Attributes: map[string]string{
		"intentId": formatID(e.IntentID),
		"maker":    e.Maker,
		"refunded": formatAmount(e.Refunded),
	}}
}

// BatchMatched summarises a committed batch.
type BatchMatched struct {
	Submitter   string
	IntentIDs   []uint64
	SubIntentID []uint64
}

func (BatchMatched) EventType() string { return TypeBatchMatched }

func (e BatchMatched) Record() Record {
	return Record{Type: TypeBatchMatched, Attributes: map[string]string{
		"submitter":  e.Submitter,
		"intents":    joinIDs(e.IntentIDs),
		"subIntents": joinIDs(e.SubIntentID),
	}}
}

// SubIntentStatus is emitted for every sub-intent status change.
type SubIntentStatus struct {
	SubIntentID uint64
	From        string
	To          string
	Attempt     uint32
}

func (SubIntentStatus) EventType() string { return TypeSubIntentStatus }

func (e SubIntentStatus) Record() Record {
	attrs := map[string]string{
		"subIntentId": formatID(e.SubIntentID),
		"to":          e.To,
		"attempt":     strconv.FormatUint(uint64(e.Attempt), 10),
	}
	putIfSet(attrs, "from", e.From)
	return Record{Type: TypeSubIntentStatus, Attributes: attrs}
}

// SignatureIssued carries the signature relayers need to broadcast the
// outbound transfer on the destination chain.
type SignatureIssued struct {
	SubIntentID    uint64
	Chain          string
	Payload        string
	BigR           string
	S              string
	RecoveryID     uint8
	TransitionMemo string
}

func (SignatureIssued) EventType() string { return TypeSignatureIssued }

func (e SignatureIssued) Record() Record {
	return Record{Type: TypeSignatureIssued, Attributes: map[string]string{
		"subIntentId":    formatID(e.SubIntentID),
		"chain":          e.Chain,
		"payload":        e.Payload,
		"bigR":           e.BigR,
		"s":              e.S,
		"recoveryId":     strconv.FormatUint(uint64(e.RecoveryID), 10),
		"transitionMemo": e.TransitionMemo,
	}}
}

// LegRefunded is emitted when a failed signing returns the escrowed leg.
type LegRefunded struct {
	SubIntentID uint64
	Payer       string
	Asset       string
	Amount      *big.Int
	Reason      string
}

func (LegRefunded) EventType() string { return TypeLegRefunded }

func (e LegRefunded) Record() Record {
	attrs := map[string]string{
		"subIntentId": formatID(e.SubIntentID),
		"payer":       e.Payer,
		"asset":       normalizeAsset(e.Asset),
		"amount":      formatAmount(e.Amount),
	}
	putIfSet(attrs, "reason", e.Reason)
	return Record{Type: TypeLegRefunded, Attributes: attrs}
}

// TransitionVerified is emitted when the external transfer of a leg has been
// proven and the sub-intent is Completed.
type TransitionVerified struct {
	SubIntentID uint64
	TxHash      string
	Recipient   string
}

func (TransitionVerified) EventType() string { return TypeTransitionVerified }

func (e TransitionVerified) Record() Record {
	return Record{Type: TypeTransitionVerified, Attributes: map[string]string{
		"subIntentId": formatID(e.SubIntentID),
		"txHash":      e.TxHash,
		"recipient":   e.Recipient,
	}}
}

func joinIDs(ids []uint64) string {
	out := make([]byte, 0, len(ids)*4)
	for i, id := range ids {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, id, 10)
	}
	return string(out)
}
