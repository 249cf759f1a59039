package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"intentbook/native/common"
	"intentbook/native/settlement"
	"intentbook/native/subintent"
)

const testMaster = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLocalSignatureRecoversDerivedKey(t *testing.T) {
	local, err := NewLocal(testMaster)
	require.NoError(t, err)

	req := settlement.SignRequest{SubIntentID: 7, Attempt: 1, Chain: common.ChainETH, Payload: []byte("transfer"), Path: "eth/7"}
	sig, err := local.Sign(context.Background(), req)
	require.NoError(t, err)

	bigR, err := hexutil.Decode(sig.BigR)
	require.NoError(t, err)
	require.Len(t, bigR, 33)
	s, err := hexutil.Decode(sig.S)
	require.NoError(t, err)
	require.Len(t, s, 32)

	raw := append(append(append([]byte{}, bigR[1:]...), s...), sig.RecoveryID)
	pub, err := crypto.SigToPub(Digest(req.Payload), raw)
	require.NoError(t, err)

	want, err := local.Address("eth", "eth/7")
	require.NoError(t, err)
	require.Equal(t, want, crypto.PubkeyToAddress(*pub).Hex())

	other, err := local.Address("eth", "eth/8")
	require.NoError(t, err)
	require.NotEqual(t, want, other)
}

func TestNewLocalRejectsShortKeys(t *testing.T) {
	_, err := NewLocal("00ff")
	require.Error(t, err)
	_, err = NewLocal("zz")
	require.Error(t, err)
}

type flakySigner struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakySigner) Sign(context.Context, settlement.SignRequest) (subintent.Signature, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return subintent.Signature{}, f.err
	}
	return subintent.Signature{BigR: "0x02aa", S: "0xbb"}, nil
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func requestAndWait(t *testing.T, a *Async, req settlement.SignRequest) (subintent.Signature, error) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		gotS  subintent.Signature
		gotE  error
		calls int
	)
	wg.Add(1)
	a.Request(context.Background(), req, func(_ settlement.SignRequest, sig subintent.Signature, err error) {
		calls++
		gotS, gotE = sig, err
		wg.Done()
	})
	wg.Wait()
	a.Wait()
	require.Equal(t, 1, calls)
	return gotS, gotE
}

func TestAsyncRetriesTransientFailures(t *testing.T) {
	inner := &flakySigner{failures: 2, err: errors.New("unavailable")}
	a := NewAsync(inner, WithMaxAttempts(3), WithBackOff(zeroBackOff))

	sig, err := requestAndWait(t, a, settlement.SignRequest{SubIntentID: 1, Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, "0x02aa", sig.BigR)
	require.Equal(t, int32(3), inner.calls.Load())
}

func TestAsyncStopsOnPermanentFailure(t *testing.T) {
	inner := &flakySigner{failures: 10, err: backoff.Permanent(errors.New("rejected"))}
	a := NewAsync(inner, WithMaxAttempts(5), WithBackOff(zeroBackOff))

	_, err := requestAndWait(t, a, settlement.SignRequest{SubIntentID: 2, Attempt: 1})
	require.ErrorIs(t, err, common.ErrSigningFailed)
	require.Equal(t, int32(1), inner.calls.Load())
}

func TestAsyncGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakySigner{failures: 10, err: errors.New("unavailable")}
	a := NewAsync(inner, WithMaxAttempts(2), WithBackOff(zeroBackOff))

	_, err := requestAndWait(t, a, settlement.SignRequest{SubIntentID: 3, Attempt: 1})
	require.ErrorIs(t, err, common.ErrSigningFailed)
	require.Equal(t, int32(2), inner.calls.Load())
}

func TestRemoteSign(t *testing.T) {
	var got signRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sign", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.SubIntentID == 99 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(signResponse{Error: "unknown path"})
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{BigR: "0x03cc", S: "0xdd", RecoveryID: 1})
	}))
	defer srv.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	sig, err := remote.Sign(context.Background(), settlement.SignRequest{
		SubIntentID: 4, Attempt: 2, Chain: common.ChainBTC, Payload: []byte{0xde, 0xad}, Path: "btc/4",
	})
	require.NoError(t, err)
	require.Equal(t, subintent.Signature{BigR: "0x03cc", S: "0xdd", RecoveryID: 1}, sig)
	require.Equal(t, uint32(2), got.Attempt)
	require.Equal(t, "btc/4", got.Path)
	require.Equal(t, hexutil.Bytes{0xde, 0xad}, got.Payload)

	_, err = remote.Sign(context.Background(), settlement.SignRequest{SubIntentID: 99, Payload: []byte{1}})
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
}
