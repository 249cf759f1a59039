package lightclient

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"intentbook/native/common"
)

// Claim is the external fact a proof must attest to.
type Claim struct {
	Chain     common.ChainType `json:"chain"`
	Asset     string           `json:"asset"`
	Amount    *big.Int         `json:"amount"`
	Recipient string           `json:"recipient"`
	Memo      string           `json:"memo"`
}

// Payment identifies the transaction a verified payment proof attests to.
type Payment struct {
	TxHash      string
	BlockHeight uint64
}

// Verifier checks payment proofs for external chains. A false result with a
// nil error means the proof was well formed but did not prove the claim.
// Accepted payment proofs always name their transaction.
type Verifier interface {
	VerifyPaymentProof(ctx context.Context, claim Claim, proof []byte) (Payment, bool, error)
	VerifyTransitionProof(ctx context.Context, claim Claim, proof []byte, txHash string) (bool, error)
}

// PaymentProof is the proof envelope understood by the stub.
type PaymentProof struct {
	ChainType      common.ChainType `json:"chain_type"`
	TxHash         string           `json:"tx_hash"`
	Recipient      string           `json:"recipient"`
	Asset          string           `json:"asset"`
	Amount         string           `json:"amount"`
	Memo           string           `json:"memo"`
	BlockHeight    uint64           `json:"block_height"`
	InclusionProof []string         `json:"inclusion_proof"`
}

// Stub validates the structure of a proof and its position relative to the
// operator-set finalized height. It performs no cryptographic verification.
type Stub struct {
	mu        sync.RWMutex
	finalized map[common.ChainType]uint64
}

func NewStub() *Stub {
	return &Stub{finalized: make(map[common.ChainType]uint64)}
}

// SetFinalizedHeight records the highest finalized block for the chain.
func (s *Stub) SetFinalizedHeight(chain common.ChainType, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[chain] = height
}

// FinalizedHeight returns zero when no height has been configured.
func (s *Stub) FinalizedHeight(chain common.ChainType) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized[chain]
}

func (s *Stub) VerifyPaymentProof(_ context.Context, claim Claim, proof []byte) (Payment, bool, error) {
	parsed, ok := s.check(claim, proof)
	if !ok || strings.TrimSpace(parsed.TxHash) == "" {
		return Payment{}, false, nil
	}
	return Payment{TxHash: strings.TrimSpace(parsed.TxHash), BlockHeight: parsed.BlockHeight}, true, nil
}

func (s *Stub) VerifyTransitionProof(_ context.Context, claim Claim, proof []byte, txHash string) (bool, error) {
	parsed, ok := s.check(claim, proof)
	if !ok {
		return false, nil
	}
	txHash = strings.TrimSpace(txHash)
	return txHash != "" && parsed.TxHash == txHash, nil
}

func (s *Stub) check(claim Claim, proof []byte) (*PaymentProof, bool) {
	var parsed PaymentProof
	if err := json.Unmarshal(proof, &parsed); err != nil {
		return nil, false
	}
	if parsed.ChainType != claim.Chain {
		return nil, false
	}
	if parsed.Recipient != claim.Recipient {
		return nil, false
	}
	if !strings.EqualFold(parsed.Asset, claim.Asset) {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(parsed.Amount), 10)
	if !ok || claim.Amount == nil || amount.Cmp(claim.Amount) != 0 {
		return nil, false
	}
	if parsed.Memo != claim.Memo {
		return nil, false
	}
	if len(parsed.InclusionProof) == 0 {
		return nil, false
	}
	finalized := s.FinalizedHeight(parsed.ChainType)
	if finalized == 0 || parsed.BlockHeight > finalized {
		return nil, false
	}
	return &parsed, true
}

type always struct {
	ok bool
}

// Always returns a Verifier that accepts (or rejects) every proof. Accepted
// payments report the proof's tx_hash when it parses as a PaymentProof and
// the keccak256 of the raw proof otherwise.
func Always(ok bool) Verifier {
	return always{ok: ok}
}

func (a always) VerifyPaymentProof(_ context.Context, _ Claim, proof []byte) (Payment, bool, error) {
	if !a.ok {
		return Payment{}, false, nil
	}
	var parsed PaymentProof
	if err := json.Unmarshal(proof, &parsed); err == nil && strings.TrimSpace(parsed.TxHash) != "" {
		return Payment{TxHash: strings.TrimSpace(parsed.TxHash), BlockHeight: parsed.BlockHeight}, true, nil
	}
	return Payment{TxHash: crypto.Keccak256Hash(proof).Hex()}, true, nil
}

func (a always) VerifyTransitionProof(context.Context, Claim, []byte, string) (bool, error) {
	return a.ok, nil
}

var (
	_ Verifier = (*Stub)(nil)
	_ Verifier = always{}
)
