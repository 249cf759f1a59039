package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"intentbook/gateway/middleware"
	"intentbook/native/common"
	"intentbook/native/lightclient"
	"intentbook/native/orderbook"
	"intentbook/native/settlement"
	"intentbook/services/intentd/signer"
	"intentbook/services/intentd/storage"
)

const (
	testMaster = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testSecret = "server-test-secret"
)

// inlineRequester signs synchronously so tests observe the final status.
type inlineRequester struct {
	signer settlement.Signer
}

func (r inlineRequester) Request(ctx context.Context, req settlement.SignRequest, done settlement.DoneFunc) {
	sig, err := r.signer.Sign(ctx, req)
	done(req, sig, err)
}

type harness struct {
	t       *testing.T
	handler http.Handler
	book    *orderbook.Book
	stub    *lightclient.Stub
	journal *storage.Journal
}

func newHarness(t *testing.T, auth *middleware.Authenticator) *harness {
	t.Helper()
	db, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	local, err := signer.NewLocal(testMaster)
	require.NoError(t, err)
	journal := storage.NewJournal(db, nil)
	pauses := common.NewPauses()
	stub := lightclient.NewStub()
	book := orderbook.New(orderbook.Config{}, stub,
		orderbook.WithRequester(inlineRequester{signer: local}),
		orderbook.WithEmitter(journal),
		orderbook.WithPauses(pauses),
	)
	srv, err := New(Config{
		Book:    book,
		Pauses:  pauses,
		Heights: stub,
		Journal: journal,
		DB:      db,
		Auth:    auth,
	})
	require.NoError(t, err)
	return &harness{t: t, handler: srv.Handler(), book: book, stub: stub, journal: journal}
}

func (h *harness) do(method, path, account string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) deposit(user, asset, amount string) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/admin/deposits", "", adminDepositRequest{User: user, Asset: asset, Amount: amount})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) makeIntent(maker, src, srcAmount, dst, dstAmount string) intentView {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/intents", maker, makeIntentRequest{
		SrcAsset: src, SrcAmount: srcAmount, DstAsset: dst, DstAmount: dstAmount,
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[intentView](h.t, rec)
}

func mirrorMatch(id uint64, fill, get string) matchRequest {
	return matchRequest{
		IntentID:   id,
		FillAmount: fill,
		GetAmount:  get,
		Payload:    []byte(fmt.Sprintf("leg-%d", id)),
		Path:       fmt.Sprintf("eth/%d", id),
		Chain:      "eth",
		Recipient:  "0xmaker",
	}
}

func TestSettlementLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit("alice", "X", "100")
	h.deposit("bob", "Y", "10")
	a := h.makeIntent("alice", "X", "100", "Y", "10")
	b := h.makeIntent("bob", "Y", "10", "X", "100")

	rec := h.do(http.MethodPost, "/v1/matches", "solver", batchMatchRequest{
		Matches: []matchRequest{mirrorMatch(a.ID, "100", "10"), mirrorMatch(b.ID, "10", "100")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[struct {
		Intents    []intentView    `json:"intents"`
		SubIntents []subIntentView `json:"subIntents"`
	}](t, rec)
	require.Len(t, batch.SubIntents, 2)
	require.Equal(t, "Filled", batch.Intents[0].Status)

	rec = h.do(http.MethodPut, "/admin/lightclient/eth/height", "", heightRequest{Height: 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, leg := range batch.SubIntents {
		rec = h.do(http.MethodGet, fmt.Sprintf("/v1/subintents/%d", leg.ID), "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		sub := decode[subIntentView](t, rec)
		require.Equal(t, "AwaitingTransition", sub.Status)
		require.NotNil(t, sub.Signature)
		require.Equal(t, fmt.Sprintf("transition:sub:%d", leg.ID), sub.TransitionMemo)

		rec = h.do(http.MethodGet, fmt.Sprintf("/v1/subintents/%d/expectation", leg.ID), "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		exp := decode[expectationView](t, rec)

		proof, err := json.Marshal(lightclient.PaymentProof{
			ChainType:      common.ChainETH,
			TxHash:         "0xfeed",
			Recipient:      exp.Recipient,
			Asset:          exp.Asset,
			Amount:         exp.Amount,
			Memo:           exp.Memo,
			BlockHeight:    900,
			InclusionProof: []string{"0xabc"},
		})
		require.NoError(t, err)
		rec = h.do(http.MethodPost, fmt.Sprintf("/v1/subintents/%d/verify", leg.ID), "", verifyTransitionRequest{
			Proof: proof, Recipient: "0xmaker", TxHash: "0xfeed",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "Completed", decode[subIntentView](t, rec).Status)
	}

	rec = h.do(http.MethodGet, "/admin/audit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[struct {
		Assets []auditView `json:"assets"`
	}](t, rec)
	require.NotEmpty(t, audit.Assets)
	for _, a := range audit.Assets {
		require.True(t, a.Balanced, "asset %s unbalanced", a.Asset)
	}

	rec = h.do(http.MethodGet, "/v1/events?type=subintent.completed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []storage.Entry `json:"events"`
	}](t, rec)
	require.Len(t, events.Events, 2)
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit("alice", "X", "100")
	a := h.makeIntent("alice", "X", "100", "Y", "10")

	rec := h.do(http.MethodPost, "/v1/matches", "solver", batchMatchRequest{
		Matches: []matchRequest{mirrorMatch(a.ID, "100", "9")},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/intents/999/take", "bob", takeIntentRequest{Amount: "1"})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/intents/%d/cancel", a.ID), "mallory", nil)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/intents", "", makeIntentRequest{SrcAsset: "X", SrcAmount: "1", DstAsset: "Y", DstAmount: "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/intents", "alice", makeIntentRequest{SrcAsset: "X", SrcAmount: "-1", DstAsset: "Y", DstAmount: "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/intents", "alice", makeIntentRequest{SrcAsset: "X", SrcAmount: "1000", DstAsset: "Y", DstAmount: "1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/admin/modules/matching/pause", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/v1/intents", "alice", makeIntentRequest{SrcAsset: "X", SrcAmount: "1", DstAsset: "Y", DstAmount: "1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(http.MethodPost, "/admin/modules/matching/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/intents/%d/cancel", a.ID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Cancelled", decode[intentView](t, rec).Status)

	rec = h.do(http.MethodPost, "/admin/modules/unknown/pause", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdempotentRequestsReplay(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit("alice", "X", "100")

	body := makeIntentRequest{SrcAsset: "X", SrcAmount: "40", DstAsset: "Y", DstAmount: "4"}
	first := h.do(http.MethodPost, "/v1/intents", "alice", body, "Idempotency-Key", "make-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := h.do(http.MethodPost, "/v1/intents", "alice", body, "Idempotency-Key", "make-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, "60", h.book.Balance("alice", "X").String())

	other := h.do(http.MethodPost, "/v1/intents/1/cancel", "alice", nil, "Idempotency-Key", "make-1")
	require.Equal(t, http.StatusConflict, other.Code)
	stranger := h.do(http.MethodPost, "/v1/intents", "bob", body, "Idempotency-Key", "make-1")
	require.Equal(t, http.StatusConflict, stranger.Code)
}

func TestSignatureCallbackRefundsOnError(t *testing.T) {
	db, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	book := orderbook.New(orderbook.Config{}, lightclient.NewStub(), orderbook.WithRequester(signer.External{}))
	srv, err := New(Config{Book: book, DB: db})
	require.NoError(t, err)
	h := &harness{t: t, handler: srv.Handler(), book: book}

	h.deposit("alice", "X", "50")
	rec := h.do(http.MethodPost, "/v1/withdrawals", "alice", withdrawRequest{
		Asset: "X", Amount: "20", Recipient: "0xdest", Chain: "eth", Payload: []byte{1, 2}, Path: "eth/alice",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[subIntentView](t, rec)
	require.Equal(t, "Signing", sub.Status)
	require.Equal(t, "30", book.Balance("alice", "X").String())

	rec = h.do(http.MethodPost, "/v1/signatures/callback", "", signatureCallback{
		SubIntentID: sub.ID, Attempt: sub.Attempt + 1, BigR: "0x02", S: "0x03",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode[map[string]any](t, rec)["applied"])

	rec = h.do(http.MethodPost, "/v1/signatures/callback", "", signatureCallback{
		SubIntentID: sub.ID, Attempt: sub.Attempt, Error: "mpc timeout",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["refunded"])
	require.Equal(t, "50", book.Balance("alice", "X").String())
}

func signToken(t *testing.T, sub, scope string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatedCallers(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	h := newHarness(t, auth)

	deposit := adminDepositRequest{User: "alice", Asset: "X", Amount: "10"}
	rec := h.do(http.MethodPost, "/admin/deposits", "", deposit, "Authorization", "Bearer "+signToken(t, "alice", "trade"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/admin/deposits", "", deposit, "Authorization", "Bearer "+signToken(t, "ops", "intentbook:operator"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The header is ignored once tokens are required; the subject is the maker.
	rec = h.do(http.MethodPost, "/v1/intents", "mallory",
		makeIntentRequest{SrcAsset: "X", SrcAmount: "10", DstAsset: "Y", DstAmount: "1"},
		"Authorization", "Bearer "+signToken(t, "alice", "trade"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "alice", decode[intentView](t, rec).Maker)

	rec = h.do(http.MethodPost, "/v1/signatures/callback", "", signatureCallback{SubIntentID: 1, Attempt: 1},
		"Authorization", "Bearer "+signToken(t, "alice", "trade"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
