package lightclient

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intentbook/native/common"
)

func encodeProof(t *testing.T, p PaymentProof) []byte {
	t.Helper()
	buf, err := json.Marshal(p)
	require.NoError(t, err)
	return buf
}

func validProof() PaymentProof {
	return PaymentProof{
		ChainType:      common.ChainETH,
		TxHash:         "0xfeed",
		Recipient:      "0xalice",
		Asset:          "eth",
		Amount:         "10",
		Memo:           "transition:sub:2",
		BlockHeight:    90,
		InclusionProof: []string{"0x01"},
	}
}

func claim() Claim {
	return Claim{Chain: common.ChainETH, Asset: "ETH", Amount: big.NewInt(10), Recipient: "0xalice", Memo: "transition:sub:2"}
}

func TestStubRequiresFinalizedHeight(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()
	proof := encodeProof(t, validProof())

	_, ok, err := stub.VerifyPaymentProof(ctx, claim(), proof)
	require.NoError(t, err)
	require.False(t, ok)

	stub.SetFinalizedHeight(common.ChainETH, 100)
	payment, ok, err := stub.VerifyPaymentProof(ctx, claim(), proof)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Payment{TxHash: "0xfeed", BlockHeight: 90}, payment)

	stub.SetFinalizedHeight(common.ChainETH, 80)
	_, ok, _ = stub.VerifyPaymentProof(ctx, claim(), proof)
	require.False(t, ok)
}

func TestStubRejectsMismatches(t *testing.T) {
	stub := NewStub()
	stub.SetFinalizedHeight(common.ChainETH, 100)
	ctx := context.Background()

	cases := map[string]func(*PaymentProof){
		"chain":     func(p *PaymentProof) { p.ChainType = common.ChainSOL },
		"recipient": func(p *PaymentProof) { p.Recipient = "0xmallory" },
		"amount":    func(p *PaymentProof) { p.Amount = "11" },
		"memo":      func(p *PaymentProof) { p.Memo = "transition:sub:3" },
		"inclusion": func(p *PaymentProof) { p.InclusionProof = nil },
		"tx hash":   func(p *PaymentProof) { p.TxHash = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validProof()
			mutate(&p)
			_, ok, err := stub.VerifyPaymentProof(ctx, claim(), encodeProof(t, p))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}

	_, ok, err := stub.VerifyPaymentProof(ctx, claim(), []byte("not json"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStubTransitionChecksTxHash(t *testing.T) {
	stub := NewStub()
	stub.SetFinalizedHeight(common.ChainETH, 100)
	proof := encodeProof(t, validProof())
	ctx := context.Background()

	ok, err := stub.VerifyTransitionProof(ctx, claim(), proof, "0xfeed")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = stub.VerifyTransitionProof(ctx, claim(), proof, "0xbeef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAlways(t *testing.T) {
	ok, err := Always(true).VerifyTransitionProof(context.Background(), Claim{}, nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = Always(false).VerifyPaymentProof(context.Background(), Claim{}, nil)
	require.NoError(t, err)
	require.False(t, ok)

	payment, ok, err := Always(true).VerifyPaymentProof(context.Background(), Claim{}, []byte(`{"tx_hash":"0xabc"}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xabc", payment.TxHash)
	payment, _, _ = Always(true).VerifyPaymentProof(context.Background(), Claim{}, []byte("opaque"))
	require.Len(t, payment.TxHash, 66)
}

func TestClientPostsClaim(t *testing.T) {
	var got verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/verify/transition", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: true})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	ok, err := client.VerifyTransitionProof(context.Background(), claim(), []byte("proof"), "0xfeed")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10", got.Amount)
	require.Equal(t, "0xfeed", got.TxHash)
	require.Equal(t, "ETH", got.Chain)
}

func TestClientPaymentReturnsTxHash(t *testing.T) {
	var valid verifyResponse
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/verify/payment", r.URL.Path)
		_ = json.NewEncoder(w).Encode(valid)
	}))
	defer srv.Close()
	client, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)

	valid = verifyResponse{Valid: true, TxHash: "0xfeed", BlockHeight: 12}
	payment, ok, err := client.VerifyPaymentProof(context.Background(), claim(), []byte("proof"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Payment{TxHash: "0xfeed", BlockHeight: 12}, payment)

	valid = verifyResponse{Valid: true}
	_, ok, err = client.VerifyPaymentProof(context.Background(), claim(), []byte("proof"))
	require.Error(t, err)
	require.False(t, ok)
}
