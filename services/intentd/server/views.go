package server

import (
	"time"

	"intentbook/native/intents"
	"intentbook/native/subintent"
	"intentbook/native/verifier"
)

// Amounts are rendered as base-10 strings so clients never lose precision.

type intentView struct {
	ID        uint64    `json:"id"`
	Maker     string    `json:"maker"`
	SrcAsset  string    `json:"srcAsset"`
	SrcAmount string    `json:"srcAmount"`
	DstAsset  string    `json:"dstAsset"`
	DstAmount string    `json:"dstAmount"`
	Remaining string    `json:"remaining"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewIntent(in *intents.Intent) intentView {
	return intentView{
		ID:        in.ID,
		Maker:     in.Maker,
		SrcAsset:  in.SrcAsset,
		SrcAmount: amountString(in.SrcAmount),
		DstAsset:  in.DstAsset,
		DstAmount: amountString(in.DstAmount),
		Remaining: amountString(in.Remaining),
		Status:    string(in.Status),
		CreatedAt: in.CreatedAt,
	}
}

func viewIntents(in []*intents.Intent) []intentView {
	out := make([]intentView, 0, len(in))
	for _, intent := range in {
		out = append(out, viewIntent(intent))
	}
	return out
}

type subIntentView struct {
	ID             uint64               `json:"id"`
	Kind           string               `json:"kind"`
	ParentIntentID uint64               `json:"parentIntentId,omitempty"`
	Submitter      string               `json:"submitter"`
	Payer          string               `json:"payer"`
	Recipient      string               `json:"recipient"`
	Asset          string               `json:"asset"`
	Amount         string               `json:"amount"`
	Chain          string               `json:"chain"`
	Payload        string               `json:"payload"`
	Path           string               `json:"path"`
	Status         string               `json:"status"`
	Attempt        uint32               `json:"attempt"`
	Signature      *subintent.Signature `json:"signature,omitempty"`
	TxHash         string               `json:"txHash,omitempty"`
	TransitionMemo string               `json:"transitionMemo"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func viewSubIntent(sub *subintent.SubIntent) subIntentView {
	return subIntentView{
		ID:             sub.ID,
		Kind:           string(sub.Kind),
		ParentIntentID: sub.ParentIntentID,
		Submitter:      sub.Submitter,
		Payer:          sub.Payer,
		Recipient:      sub.Recipient,
		Asset:          sub.Asset,
		Amount:         amountString(sub.Amount),
		Chain:          string(sub.Chain),
		Payload:        sub.Payload.String(),
		Path:           sub.Path,
		Status:         string(sub.Status),
		Attempt:        sub.Attempt,
		Signature:      sub.Signature,
		TxHash:         sub.TxHash,
		TransitionMemo: verifier.TransitionMemo(sub.ID),
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

func viewSubIntents(in []*subintent.SubIntent) []subIntentView {
	out := make([]subIntentView, 0, len(in))
	for _, sub := range in {
		out = append(out, viewSubIntent(sub))
	}
	return out
}

type expectationView struct {
	SubIntentID uint64 `json:"subIntentId"`
	Chain       string `json:"chain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
	Memo        string `json:"memo"`
}

func viewExpectation(e *verifier.Expectation) expectationView {
	return expectationView{
		SubIntentID: e.SubIntentID,
		Chain:       string(e.Chain),
		Asset:       e.Asset,
		Amount:      amountString(e.Amount),
		Recipient:   e.Recipient,
		Memo:        e.Memo,
	}
}
