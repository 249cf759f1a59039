package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"intentbook/native/settlement"
	"intentbook/native/subintent"
)

const minMasterKeyBytes = 16

// Local derives per-path secp256k1 keys from a master secret and signs in
// process. It stands in for an MPC network in development deployments.
type Local struct {
	master []byte
}

// NewLocal parses a hex encoded master secret.
func NewLocal(masterHex string) (*Local, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(masterHex), "0x")
	master, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid master key: %w", err)
	}
	if len(master) < minMasterKeyBytes {
		return nil, fmt.Errorf("signer: master key must be at least %d bytes", minMasterKeyBytes)
	}
	return &Local{master: master}, nil
}

// DeriveKey returns the key for a chain and derivation path. Candidates that
// fall outside the curve order are rehashed.
func (l *Local) DeriveKey(chain, path string) (*ecdsa.PrivateKey, error) {
	seed := crypto.Keccak256(l.master, []byte(strings.ToUpper(chain)), []byte("/"), []byte(path))
	for i := 0; i < 8; i++ {
		key, err := crypto.ToECDSA(seed)
		if err == nil {
			return key, nil
		}
		seed = crypto.Keccak256(seed)
	}
	return nil, fmt.Errorf("signer: cannot derive key for %s", path)
}

// Address returns the address controlled by a derivation path.
func (l *Local) Address(chain, path string) (string, error) {
	key, err := l.DeriveKey(chain, path)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Digest is the 32 byte message a payload is signed as. Payloads that are
// already 32 bytes are signed directly.
func Digest(payload []byte) []byte {
	if len(payload) == 32 {
		return payload
	}
	return crypto.Keccak256(payload)
}

// Sign implements settlement.Signer. BigR is the compressed R point so the
// result has the same shape an MPC network returns.
func (l *Local) Sign(ctx context.Context, req settlement.SignRequest) (subintent.Signature, error) {
	if err := ctx.Err(); err != nil {
		return subintent.Signature{}, err
	}
	if len(req.Payload) == 0 {
		return subintent.Signature{}, fmt.Errorf("signer: payload required")
	}
	key, err := l.DeriveKey(string(req.Chain), req.Path)
	if err != nil {
		return subintent.Signature{}, err
	}
	sig, err := crypto.Sign(Digest(req.Payload), key)
	if err != nil {
		return subintent.Signature{}, fmt.Errorf("signer: sign: %w", err)
	}
	recovery := sig[64]
	bigR := make([]byte, 33)
	bigR[0] = 0x02 | (recovery & 1)
	copy(bigR[1:], sig[:32])
	return subintent.Signature{
		BigR:       hexutil.Encode(bigR),
		S:          hexutil.Encode(sig[32:64]),
		RecoveryID: recovery,
	}, nil
}

var _ settlement.Signer = (*Local)(nil)
