package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"intentbook/native/common"
	"intentbook/native/intents"
	"intentbook/native/matching"
	"intentbook/native/settlement"
	"intentbook/native/subintent"
	"intentbook/native/verifier"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	asset := common.NormalizeAsset(chi.URLParam(r, "asset"))
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner,
		"asset":   asset,
		"balance": amountString(s.book.Balance(owner, asset)),
	})
}

type makeIntentRequest struct {
	SrcAsset  string `json:"srcAsset"`
	SrcAmount string `json:"srcAmount"`
	DstAsset  string `json:"dstAsset"`
	DstAmount string `json:"dstAmount"`
}

func (s *Server) handleMakeIntent(w http.ResponseWriter, r *http.Request) {
	maker, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req makeIntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	src, ok := parseAmount(w, "srcAmount", req.SrcAmount)
	if !ok {
		return
	}
	dst, ok := parseAmount(w, "dstAmount", req.DstAmount)
	if !ok {
		return
	}
	intent, err := s.book.MakeIntent(maker, req.SrcAsset, src, req.DstAsset, dst)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewIntent(intent))
}

func (s *Server) handleOpenIntents(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", intents.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intents": viewIntents(s.book.OpenIntents(offset, limit)),
		"offset":  offset,
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	intent, err := s.book.Intent(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIntent(intent))
}

type takeIntentRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleTakeIntent(w http.ResponseWriter, r *http.Request) {
	taker, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req takeIntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	res, err := s.book.TakeIntent(taker, id, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent": viewIntent(res.Intent),
		"paid":   amountString(res.Paid),
	})
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	intent, err := s.book.CancelIntent(caller, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIntent(intent))
}

type matchRequest struct {
	IntentID   uint64        `json:"intentId"`
	FillAmount string        `json:"fillAmount"`
	GetAmount  string        `json:"getAmount"`
	Payload    hexutil.Bytes `json:"payload"`
	Path       string        `json:"path"`
	Chain      string        `json:"chain"`
	Recipient  string        `json:"recipient,omitempty"`
}

type batchMatchRequest struct {
	Matches []matchRequest `json:"matches"`
}

func (s *Server) handleBatchMatch(w http.ResponseWriter, r *http.Request) {
	submitter, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req batchMatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	matches := make([]matching.Match, 0, len(req.Matches))
	for i, m := range req.Matches {
		fill, ok := parseAmount(w, fmt.Sprintf("matches[%d].fillAmount", i), m.FillAmount)
		if !ok {
			return
		}
		get, ok := parseAmount(w, fmt.Sprintf("matches[%d].getAmount", i), m.GetAmount)
		if !ok {
			return
		}
		chain, ok := parseChain(w, m.Chain)
		if !ok {
			return
		}
		matches = append(matches, matching.Match{
			IntentID:   m.IntentID,
			FillAmount: fill,
			GetAmount:  get,
			Payload:    m.Payload,
			Path:       m.Path,
			Chain:      chain,
			Recipient:  m.Recipient,
		})
	}
	res, err := s.book.BatchMatch(r.Context(), submitter, matches)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intents":    viewIntents(res.Intents),
		"subIntents": viewSubIntents(res.SubIntents),
	})
}

func (s *Server) handleGetSubIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.book.SubIntent(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSubIntent(sub))
}

func (s *Server) handleExpectation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	exp, err := s.book.Expectation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewExpectation(exp))
}

type retryRequest struct {
	Payload hexutil.Bytes `json:"payload"`
	Path    string        `json:"path"`
	Chain   string        `json:"chain"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req retryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var chain common.ChainType
	if req.Chain != "" {
		if chain, ok = parseChain(w, req.Chain); !ok {
			return
		}
	}
	sub, err := s.book.Retry(r.Context(), caller, id, req.Payload, req.Path, chain)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewSubIntent(sub))
}

type verifyTransitionRequest struct {
	Proof     json.RawMessage `json:"proof"`
	Recipient string          `json:"recipient"`
	TxHash    string          `json:"txHash"`
}

func (s *Server) handleVerifyTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req verifyTransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.book.VerifyTransition(r.Context(), id, req.Proof, req.Recipient, req.TxHash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSubIntent(sub))
}

type verifyDepositRequest struct {
	Chain     string          `json:"chain"`
	Asset     string          `json:"asset"`
	Amount    string          `json:"amount"`
	Recipient string          `json:"recipient"`
	Memo      string          `json:"memo"`
	Proof     json.RawMessage `json:"proof"`
}

func (s *Server) handleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req verifyDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chain, ok := parseChain(w, req.Chain)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	memo := req.Memo
	if memo == "" {
		memo = verifier.DepositMemo(user, req.Asset)
	}
	err := s.book.VerifyDeposit(r.Context(), verifier.DepositRequest{
		User:      user,
		Chain:     chain,
		Asset:     req.Asset,
		Amount:    amount,
		Recipient: req.Recipient,
		Memo:      memo,
		Proof:     req.Proof,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   user,
		"asset":   common.NormalizeAsset(req.Asset),
		"balance": amountString(s.book.Balance(user, req.Asset)),
	})
}

type withdrawRequest struct {
	Asset     string        `json:"asset"`
	Amount    string        `json:"amount"`
	Recipient string        `json:"recipient"`
	Chain     string        `json:"chain"`
	Payload   hexutil.Bytes `json:"payload"`
	Path      string        `json:"path"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chain, ok := parseChain(w, req.Chain)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	sub, err := s.book.Withdraw(r.Context(), settlement.WithdrawRequest{
		User:      user,
		Asset:     req.Asset,
		Amount:    amount,
		Recipient: req.Recipient,
		Chain:     chain,
		Payload:   req.Payload,
		Path:      req.Path,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewSubIntent(sub))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "event journal not configured")
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid after %q", raw))
			return
		}
		after = parsed
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.cfg.Journal.List(r.Context(), after, limit, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

type signatureCallback struct {
	SubIntentID uint64 `json:"subIntentId"`
	Attempt     uint32 `json:"attempt"`
	BigR        string `json:"bigR"`
	S           string `json:"s"`
	RecoveryID  uint8  `json:"recoveryId"`
	Error       string `json:"error,omitempty"`
}

// handleSignatureCallback accepts results from an external signer. Results
// for superseded attempts are acknowledged and ignored.
func (s *Server) handleSignatureCallback(w http.ResponseWriter, r *http.Request) {
	var req signatureCallback
	if !decodeJSON(w, r, &req) {
		return
	}
	var signErr error
	if req.Error != "" {
		signErr = fmt.Errorf("%w: %s", common.ErrSigningFailed, req.Error)
	}
	sig := subintent.Signature{BigR: req.BigR, S: req.S, RecoveryID: req.RecoveryID}
	out, err := s.book.HandleSignature(req.SubIntentID, req.Attempt, sig, signErr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"applied": out.Applied, "refunded": out.Refunded}
	if out.Sub != nil {
		resp["subIntent"] = viewSubIntent(out.Sub)
	}
	writeJSON(w, http.StatusOK, resp)
}
