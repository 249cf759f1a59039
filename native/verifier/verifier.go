package verifier

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"intentbook/native/common"
	"intentbook/native/ledger"
	"intentbook/native/lightclient"
	"intentbook/native/subintent"
)

const (
	transitionMemoPrefix = "transition:sub:"
	depositMemoPrefix    = "mpc:deposit:"
)

// TransitionMemo is the memo the outbound transfer of a leg must carry.
func TransitionMemo(id uint64) string {
	return transitionMemoPrefix + strconv.FormatUint(id, 10)
}

// DepositMemo is the memo an inbound deposit for user must carry.
func DepositMemo(user, asset string) string {
	return depositMemoPrefix + user + ":" + common.NormalizeAsset(asset)
}

// Expectation is the external transfer a signed leg must be proven against.
type Expectation struct {
	SubIntentID uint64           `json:"subIntentId"`
	Chain       common.ChainType `json:"chain"`
	Asset       string           `json:"asset"`
	Amount      *big.Int         `json:"amount"`
	Recipient   string           `json:"recipient"`
	Memo        string           `json:"memo"`
}

func (e *Expectation) clone() *Expectation {
	out := *e
	out.Amount = common.CloneAmount(e.Amount)
	return &out
}

func (e *Expectation) claim() lightclient.Claim {
	return lightclient.Claim{
		Chain:     e.Chain,
		Asset:     e.Asset,
		Amount:    common.CloneAmount(e.Amount),
		Recipient: e.Recipient,
		Memo:      e.Memo,
	}
}

// Verifier owns transition expectations and closes legs once the external
// transfer is proven. It is not safe for concurrent use; the order book splits
// each verification into a locked prepare step, an unlocked light-client call
// and a locked complete step.
type Verifier struct {
	ledger       *ledger.Ledger
	table        *subintent.Table
	client       lightclient.Verifier
	expectations map[uint64]*Expectation
	consumed     map[gethcommon.Hash]struct{}
	depositAddrs map[common.ChainType]string
}

type Option func(*Verifier)

// WithDepositAddress pins the address deposits on chain must be paid to.
func WithDepositAddress(chain common.ChainType, address string) Option {
	return func(v *Verifier) {
		if trimmed := strings.TrimSpace(address); trimmed != "" {
			v.depositAddrs[chain] = trimmed
		}
	}
}

func New(l *ledger.Ledger, table *subintent.Table, client lightclient.Verifier, opts ...Option) *Verifier {
	v := &Verifier{
		ledger:       l,
		table:        table,
		client:       client,
		expectations: make(map[uint64]*Expectation),
		consumed:     make(map[gethcommon.Hash]struct{}),
		depositAddrs: make(map[common.ChainType]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Expect records the expectation for a signed leg.
func (v *Verifier) Expect(sub *subintent.SubIntent) {
	if sub == nil {
		return
	}
	v.expectations[sub.ID] = &Expectation{
		SubIntentID: sub.ID,
		Chain:       sub.Chain,
		Asset:       sub.Asset,
		Amount:      common.CloneAmount(sub.Amount),
		Recipient:   sub.Recipient,
		Memo:        TransitionMemo(sub.ID),
	}
}

func (v *Verifier) Expectation(id uint64) (*Expectation, error) {
	exp, ok := v.expectations[id]
	if !ok {
		return nil, fmt.Errorf("verifier: expectation %d: %w", id, common.ErrNotFound)
	}
	return exp.clone(), nil
}

func (v *Verifier) Forget(id uint64) {
	delete(v.expectations, id)
}

// TransitionCheck carries a prepared transition verification.
type TransitionCheck struct {
	SubIntentID uint64
	Attempt     uint32
	Claim       lightclient.Claim
	// Done is set when the leg is already Completed and nothing is left to do.
	Done bool
}

// PrepareTransition validates that the leg can be closed by recipient.
func (v *Verifier) PrepareTransition(id uint64, recipient string) (*TransitionCheck, error) {
	sub, err := v.table.Get(id)
	if err != nil {
		return nil, err
	}
	if sub.Status == subintent.StatusCompleted {
		return &TransitionCheck{SubIntentID: id, Attempt: sub.Attempt, Done: true}, nil
	}
	if sub.Status != subintent.StatusAwaitingTransition {
		return nil, fmt.Errorf("verifier: sub-intent %d is %s: %w", id, sub.Status, common.ErrInvalidTransition)
	}
	exp, ok := v.expectations[id]
	if !ok {
		return nil, fmt.Errorf("verifier: expectation %d: %w", id, common.ErrNotFound)
	}
	if strings.TrimSpace(recipient) != exp.Recipient {
		return nil, fmt.Errorf("verifier: recipient mismatch for sub-intent %d: %w", id, common.ErrTransitionNotVerified)
	}
	return &TransitionCheck{SubIntentID: id, Attempt: sub.Attempt, Claim: exp.claim()}, nil
}

// CheckTransition asks the light client about the prepared claim.
func (v *Verifier) CheckTransition(ctx context.Context, check *TransitionCheck, proof []byte, txHash string) error {
	if check.Done {
		return nil
	}
	ok, err := v.client.VerifyTransitionProof(ctx, check.Claim, proof, strings.TrimSpace(txHash))
	if err != nil {
		return fmt.Errorf("verifier: light client: %v: %w", err, common.ErrTransitionNotVerified)
	}
	if !ok {
		return fmt.Errorf("verifier: proof rejected for sub-intent %d: %w", check.SubIntentID, common.ErrTransitionNotVerified)
	}
	return nil
}

// CompleteTransition closes the leg after a successful check. It reports
// whether the leg changed; a leg that moved on in the meantime is left alone.
func (v *Verifier) CompleteTransition(check *TransitionCheck, txHash string) (*subintent.SubIntent, bool, error) {
	sub, err := v.table.Get(check.SubIntentID)
	if err != nil {
		return nil, false, err
	}
	if check.Done || sub.Status == subintent.StatusCompleted {
		return sub, false, nil
	}
	if sub.Status != subintent.StatusAwaitingTransition || sub.Attempt != check.Attempt {
		return nil, false, fmt.Errorf("verifier: sub-intent %d changed during verification: %w", sub.ID, common.ErrTransitionNotVerified)
	}
	updated, err := v.table.Update(sub.ID, func(s *subintent.SubIntent) error {
		s.Status = subintent.StatusCompleted
		s.TxHash = strings.TrimSpace(txHash)
		s.Escrowed = false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	v.Forget(sub.ID)
	// Escrowed withdrawals leave the ledger here; match legs were already
	// settled internally when the batch committed.
	if sub.Escrowed {
		if err := v.ledger.RecordWithdrawal(updated.Asset, updated.Amount); err != nil {
			return nil, false, err
		}
	}
	return updated, true, nil
}

// VerifyTransitionCompletion runs the three verification steps in sequence.
func (v *Verifier) VerifyTransitionCompletion(ctx context.Context, id uint64, proof []byte, recipient, txHash string) (*subintent.SubIntent, bool, error) {
	check, err := v.PrepareTransition(id, recipient)
	if err != nil {
		return nil, false, err
	}
	if err := v.CheckTransition(ctx, check, proof, txHash); err != nil {
		return nil, false, err
	}
	return v.CompleteTransition(check, txHash)
}

// DepositRequest is a user's claim that an external deposit was paid to the
// deposit address.
type DepositRequest struct {
	User      string
	Chain     common.ChainType
	Asset     string
	Amount    *big.Int
	Recipient string
	Memo      string
	Proof     []byte
}

// DepositCheck carries a prepared deposit verification. TxHash and Digest
// are filled in once the light client accepts the proof.
type DepositCheck struct {
	User   string
	Claim  lightclient.Claim
	Proof  []byte
	TxHash string
	Digest gethcommon.Hash
}

// PrepareDeposit validates the deposit claim without consulting the light
// client.
func (v *Verifier) PrepareDeposit(req DepositRequest) (*DepositCheck, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, fmt.Errorf("verifier: user required: %w", common.ErrInvalidRequest)
	}
	if !req.Chain.Valid() {
		return nil, fmt.Errorf("verifier: unsupported chain %q: %w", req.Chain, common.ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("verifier: %w: amount must be positive", common.ErrInvalidAmount)
	}
	asset := common.NormalizeAsset(req.Asset)
	if asset == "" {
		return nil, fmt.Errorf("verifier: asset required: %w", common.ErrInvalidRequest)
	}
	if !depositMemoMatches(req.Memo, user, asset) {
		return nil, fmt.Errorf("verifier: memo %q does not match %q: %w", req.Memo, DepositMemo(user, asset), common.ErrProofMismatch)
	}
	recipient := strings.TrimSpace(req.Recipient)
	if pinned, ok := v.depositAddrs[req.Chain]; ok && pinned != recipient {
		return nil, fmt.Errorf("verifier: deposit recipient %q is not the %s deposit address: %w", recipient, req.Chain, common.ErrProofMismatch)
	}
	if len(req.Proof) == 0 {
		return nil, fmt.Errorf("verifier: proof required: %w", common.ErrProofMismatch)
	}
	return &DepositCheck{
		User: user,
		Claim: lightclient.Claim{
			Chain:     req.Chain,
			Asset:     asset,
			Amount:    common.CloneAmount(req.Amount),
			Recipient: recipient,
			Memo:      req.Memo,
		},
		Proof: append([]byte(nil), req.Proof...),
	}, nil
}

func depositMemoMatches(memo, user, asset string) bool {
	rest, ok := strings.CutPrefix(memo, depositMemoPrefix)
	if !ok {
		return false
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return false
	}
	return rest[:idx] == user && common.NormalizeAsset(rest[idx+1:]) == asset
}

// CheckDeposit asks the light client about the prepared claim and records
// the transaction it proves. It does not read the consumed set.
func (v *Verifier) CheckDeposit(ctx context.Context, check *DepositCheck) error {
	payment, ok, err := v.client.VerifyPaymentProof(ctx, check.Claim, check.Proof)
	if err != nil {
		return fmt.Errorf("verifier: light client: %v: %w", err, common.ErrProofMismatch)
	}
	if !ok {
		return fmt.Errorf("verifier: deposit proof rejected: %w", common.ErrProofMismatch)
	}
	txHash := common.NormalizeTxHash(check.Claim.Chain, payment.TxHash)
	if txHash == "" {
		return fmt.Errorf("verifier: deposit proof names no transaction: %w", common.ErrProofMismatch)
	}
	check.TxHash = txHash
	check.Digest = PaymentDigest(check.Claim.Chain, txHash)
	return nil
}

// PaymentDigest keys a consumed deposit by chain and normalized transaction
// hash.
func PaymentDigest(chain common.ChainType, txHash string) gethcommon.Hash {
	return crypto.Keccak256Hash([]byte(string(chain) + ":" + common.NormalizeTxHash(chain, txHash)))
}

// CompleteDeposit credits the user and consumes the payment.
func (v *Verifier) CompleteDeposit(check *DepositCheck) error {
	if check.TxHash == "" {
		return fmt.Errorf("verifier: deposit not checked: %w", common.ErrProofMismatch)
	}
	if _, used := v.consumed[check.Digest]; used {
		return fmt.Errorf("verifier: %s payment %s already credited: %w", check.Claim.Chain, check.TxHash, common.ErrProofMismatch)
	}
	if err := v.ledger.RecordDeposit(check.User, check.Claim.Asset, check.Claim.Amount); err != nil {
		return err
	}
	v.consumed[check.Digest] = struct{}{}
	return nil
}

// VerifyDeposit runs the three deposit steps in sequence.
func (v *Verifier) VerifyDeposit(ctx context.Context, req DepositRequest) error {
	check, err := v.PrepareDeposit(req)
	if err != nil {
		return err
	}
	if err := v.CheckDeposit(ctx, check); err != nil {
		return err
	}
	return v.CompleteDeposit(check)
}

// DepositFor credits user directly. It is an operator action.
func (v *Verifier) DepositFor(user, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("verifier: %w: amount must be positive", common.ErrInvalidAmount)
	}
	return v.ledger.RecordDeposit(user, asset, amount)
}

// State is the persisted form of the verifier.
type State struct {
	Expectations []*Expectation   `json:"expectations"`
	Consumed     []gethcommon.Hash `json:"consumed"`
}

func (v *Verifier) Snapshot() State {
	st := State{
		Expectations: make([]*Expectation, 0, len(v.expectations)),
		Consumed:     make([]gethcommon.Hash, 0, len(v.consumed)),
	}
	for _, exp := range v.expectations {
		st.Expectations = append(st.Expectations, exp.clone())
	}
	sort.Slice(st.Expectations, func(i, j int) bool { return st.Expectations[i].SubIntentID < st.Expectations[j].SubIntentID })
	for digest := range v.consumed {
		st.Consumed = append(st.Consumed, digest)
	}
	sort.Slice(st.Consumed, func(i, j int) bool { return st.Consumed[i].Cmp(st.Consumed[j]) < 0 })
	return st
}

func (v *Verifier) Restore(st State) error {
	expectations := make(map[uint64]*Expectation, len(st.Expectations))
	for _, exp := range st.Expectations {
		if exp == nil || exp.SubIntentID == 0 || exp.Amount == nil {
			return fmt.Errorf("verifier: restore: invalid expectation")
		}
		expectations[exp.SubIntentID] = exp.clone()
	}
	consumed := make(map[gethcommon.Hash]struct{}, len(st.Consumed))
	for _, digest := range st.Consumed {
		consumed[digest] = struct{}{}
	}
	v.expectations = expectations
	v.consumed = consumed
	return nil
}
