package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"intentbook/core/events"
	"intentbook/native/common"
	"intentbook/native/intents"
	"intentbook/native/ledger"
	"intentbook/native/lightclient"
	"intentbook/native/matching"
	"intentbook/native/settlement"
	"intentbook/native/subintent"
	"intentbook/native/verifier"
	"intentbook/observability"
)

// Config tunes the order book.
type Config struct {
	Matching         matching.Config
	WithdrawalQuota  common.Quota
	DepositAddresses map[common.ChainType]string
}

// Book is the single shared state of the engine. Every public method runs
// under one mutex; signing requests are dispatched and light-client calls are
// made only after the mutex has been released.
type Book struct {
	mu sync.Mutex

	seq      common.Sequence
	ledger   *ledger.Ledger
	store    *intents.Store
	table    *subintent.Table
	engine   *matching.Engine
	coord    *settlement.Coordinator
	verifier *verifier.Verifier

	requester settlement.Requester
	emitter   events.Emitter
	pauses    common.PauseView
	logger    *slog.Logger
	metrics   *observability.OrderBookMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Book)

// WithRequester sets the signing dispatcher. Without one, matched legs stay
// Pending until retried.
func WithRequester(r settlement.Requester) Option {
	return func(b *Book) { b.requester = r }
}

func WithEmitter(e events.Emitter) Option {
	return func(b *Book) {
		if e != nil {
			b.emitter = e
		}
	}
}

func WithPauses(p common.PauseView) Option {
	return func(b *Book) { b.pauses = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Book) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *observability.OrderBookMetrics) Option {
	return func(b *Book) { b.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(b *Book) {
		if now != nil {
			b.now = now
		}
	}
}

// New assembles a book around the supplied light client.
func New(cfg Config, lc lightclient.Verifier, opts ...Option) *Book {
	b := &Book{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("intentbook/orderbook"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.ledger = ledger.New()
	b.store = intents.NewStore(b.ledger, &b.seq, intents.WithClock(b.now))
	b.table = subintent.NewTable(&b.seq, b.now)
	b.engine = matching.NewEngine(cfg.Matching, b.ledger, b.store, b.table)
	verifierOpts := make([]verifier.Option, 0, len(cfg.DepositAddresses))
	for chain, addr := range cfg.DepositAddresses {
		verifierOpts = append(verifierOpts, verifier.WithDepositAddress(chain, addr))
	}
	b.verifier = verifier.New(b.ledger, b.table, lc, verifierOpts...)
	b.coord = settlement.NewCoordinator(b.ledger, b.table, b.verifier,
		settlement.WithWithdrawalQuota(cfg.WithdrawalQuota),
		settlement.WithClock(b.now),
	)
	return b
}

// LiquidityAccount returns the account that absorbs batch surplus.
func (b *Book) LiquidityAccount() string { return b.engine.LiquidityAccount() }

func (b *Book) guard(module string) error {
	if err := common.Guard(b.pauses, module); err != nil {
		return fmt.Errorf("orderbook: %s: %w", module, err)
	}
	return nil
}

func (b *Book) Balance(owner, asset string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Balance(owner, asset)
}

// DepositFor credits user directly. Operators use it to seed balances and the
// liquidity account.
func (b *Book) DepositFor(user, asset string, amount *big.Int) error {
	if err := b.guard(common.ModuleDeposits); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.verifier.DepositFor(user, asset, amount); err != nil {
		return err
	}
	b.emitter.Emit(events.BalanceDeposited{Owner: user, Asset: asset, Amount: amount, Source: "operator"})
	return nil
}

// VerifyDeposit credits a proven external deposit.
func (b *Book) VerifyDeposit(ctx context.Context, req verifier.DepositRequest) error {
	if err := b.guard(common.ModuleDeposits); err != nil {
		return err
	}
	ctx, span := b.tracer.Start(ctx, "orderbook.VerifyDeposit", trace.WithAttributes(
		attribute.String("chain", string(req.Chain)),
		attribute.String("asset", common.NormalizeAsset(req.Asset)),
	))
	defer span.End()

	b.mu.Lock()
	check, err := b.verifier.PrepareDeposit(req)
	b.mu.Unlock()
	if err != nil {
		return spanError(span, err)
	}
	if err := b.verifier.CheckDeposit(ctx, check); err != nil {
		b.metrics.RecordVerification("deposit", false)
		return spanError(span, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.verifier.CompleteDeposit(check); err != nil {
		return spanError(span, err)
	}
	b.metrics.RecordVerification("deposit", true)
	b.emitter.Emit(events.BalanceDeposited{
		Owner:  check.User,
		Asset:  check.Claim.Asset,
		Amount: check.Claim.Amount,
		Source: "tx:" + string(check.Claim.Chain) + ":" + check.TxHash,
		Memo:   check.Claim.Memo,
	})
	return nil
}

// MakeIntent escrows the source amount and opens an intent.
func (b *Book) MakeIntent(maker, srcAsset string, srcAmount *big.Int, dstAsset string, dstAmount *big.Int) (*intents.Intent, error) {
	if err := b.guard(common.ModuleMatching); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	intent, err := b.store.Make(maker, srcAsset, srcAmount, dstAsset, dstAmount)
	if err != nil {
		return nil, err
	}
	b.emitter.Emit(events.IntentCreated{
		IntentID:  intent.ID,
		Maker:     intent.Maker,
		SrcAsset:  intent.SrcAsset,
		SrcAmount: intent.SrcAmount,
		DstAsset:  intent.DstAsset,
		DstAmount: intent.DstAmount,
	})
	b.refreshOpenGauge()
	return intent, nil
}

// TakeIntent fills an intent synchronously against the taker's balance.
func (b *Book) TakeIntent(taker string, id uint64, amount *big.Int) (*intents.TakeResult, error) {
	if err := b.guard(common.ModuleMatching); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.store.Take(taker, id, amount)
	if err != nil {
		return nil, err
	}
	b.emitter.Emit(events.IntentTaken{
		IntentID:  id,
		Taker:     taker,
		Amount:    amount,
		Paid:      res.Paid,
		Remaining: res.Intent.Remaining,
		Status:    string(res.Intent.Status),
	})
	b.refreshOpenGauge()
	return res, nil
}

// CancelIntent returns the escrow of an untouched intent. Cancellation is not
// subject to pauses.
func (b *Book) CancelIntent(caller string, id uint64) (*intents.Intent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, err := b.store.Get(id)
	if err != nil {
		return nil, err
	}
	intent, err := b.store.Cancel(caller, id)
	if err != nil {
		return nil, err
	}
	b.emitter.Emit(events.IntentCancelled{IntentID: id, Maker: intent.Maker, Refunded: before.Remaining})
	b.refreshOpenGauge()
	return intent, nil
}

func (b *Book) Intent(id uint64) (*intents.Intent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Get(id)
}

func (b *Book) OpenIntents(offset, limit int) []*intents.Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Open(offset, limit)
}

func (b *Book) SubIntent(id uint64) (*subintent.SubIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.Get(id)
}

func (b *Book) Expectation(id uint64) (*verifier.Expectation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verifier.Expectation(id)
}

func (b *Book) refreshOpenGauge() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetOpenIntents(b.store.OpenCount())
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func isKind(err error, kinds ...error) bool {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
