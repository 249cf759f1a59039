package solver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"intentbook/native/common"
	"intentbook/native/intents"
	"intentbook/native/matching"
	"intentbook/native/orderbook"
)

// Book is the slice of the order book the solver needs.
type Book interface {
	OpenIntents(offset, limit int) []*intents.Intent
	BatchMatch(ctx context.Context, submitter string, matches []matching.Match) (*orderbook.BatchResult, error)
}

// Config selects the asset pair the solver watches and how it submits.
type Config struct {
	Account   string
	AssetA    string
	AssetB    string
	Chain     common.ChainType
	Interval  time.Duration
	MaxBatch  int
	PageLimit int
}

// Solver pairs open intents that mirror each other exactly and submits them
// as batches.
type Solver struct {
	cfg    Config
	book   Book
	logger *slog.Logger
}

func New(cfg Config, book Book, logger *slog.Logger) (*Solver, error) {
	if book == nil {
		return nil, fmt.Errorf("solver: book required")
	}
	if strings.TrimSpace(cfg.Account) == "" {
		return nil, fmt.Errorf("solver: account required")
	}
	cfg.AssetA = common.NormalizeAsset(cfg.AssetA)
	cfg.AssetB = common.NormalizeAsset(cfg.AssetB)
	if cfg.AssetA == "" || cfg.AssetB == "" || cfg.AssetA == cfg.AssetB {
		return nil, fmt.Errorf("solver: distinct asset pair required")
	}
	if !cfg.Chain.Valid() {
		return nil, fmt.Errorf("solver: unsupported chain %q", cfg.Chain)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	// Mirror pairs are submitted together, so batches hold an even count.
	if cfg.MaxBatch < 2 {
		cfg.MaxBatch = 2
	}
	cfg.MaxBatch -= cfg.MaxBatch % 2
	// The book caps pages at MaxPageSize; a larger limit would read a full
	// page as the last one.
	if cfg.PageLimit <= 0 || cfg.PageLimit > intents.MaxPageSize {
		cfg.PageLimit = intents.MaxPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Solver{cfg: cfg, book: book, logger: logger}, nil
}

// Run polls until ctx is cancelled.
func (s *Solver) Run(ctx context.Context) error {
	s.logger.Info("solver started",
		slog.String("account", s.cfg.Account),
		slog.String("pair", s.cfg.AssetA+"/"+s.cfg.AssetB),
		slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("solver tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one matching round and returns the number of legs submitted.
// A rejected batch does not stop the remaining batches.
func (s *Solver) Tick(ctx context.Context) (int, error) {
	matches := s.MirrorMatches(s.openIntents())
	if len(matches) == 0 {
		return 0, nil
	}
	var (
		submitted int
		errs      []error
	)
	for start := 0; start < len(matches); start += s.cfg.MaxBatch {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		end := min(start+s.cfg.MaxBatch, len(matches))
		batch := matches[start:end]
		if _, err := s.book.BatchMatch(ctx, s.cfg.Account, batch); err != nil {
			errs = append(errs, fmt.Errorf("solver: batch of %d: %w", len(batch), err))
			continue
		}
		submitted += len(batch)
		s.logger.Info("solver batch submitted", slog.Int("legs", len(batch)))
	}
	return submitted, errors.Join(errs...)
}

func (s *Solver) openIntents() []*intents.Intent {
	var out []*intents.Intent
	for offset := 0; ; offset += s.cfg.PageLimit {
		page := s.book.OpenIntents(offset, s.cfg.PageLimit)
		out = append(out, page...)
		if len(page) < s.cfg.PageLimit {
			return out
		}
	}
}

func (s *Solver) inPair(in *intents.Intent) bool {
	return (in.SrcAsset == s.cfg.AssetA && in.DstAsset == s.cfg.AssetB) ||
		(in.SrcAsset == s.cfg.AssetB && in.DstAsset == s.cfg.AssetA)
}

// MirrorMatches pairs intents whose remaining amounts are exactly what the
// other side asks for at its posted rate. Each intent is used at most once;
// pairs are emitted in id order of their first intent.
func (s *Solver) MirrorMatches(open []*intents.Intent) []matching.Match {
	used := make(map[uint64]bool)
	var out []matching.Match
	for _, a := range open {
		if used[a.ID] || !a.Status.Matchable() || !s.inPair(a) {
			continue
		}
		for _, b := range open {
			if a.ID == b.ID || used[b.ID] || !b.Status.Matchable() {
				continue
			}
			if a.SrcAsset != b.DstAsset || a.DstAsset != b.SrcAsset {
				continue
			}
			if a.Quote(a.Remaining).Cmp(b.Remaining) != 0 || b.Quote(b.Remaining).Cmp(a.Remaining) != 0 {
				continue
			}
			first, err := s.leg(a, b.Remaining, b.Maker)
			if err == nil {
				var second matching.Match
				second, err = s.leg(b, a.Remaining, a.Maker)
				if err == nil {
					out = append(out, first, second)
				}
			}
			if err != nil {
				s.logger.Warn("mirror match skipped",
					slog.Uint64("intent", a.ID),
					slog.Uint64("counter", b.ID),
					slog.Any("error", err))
				continue
			}
			used[a.ID], used[b.ID] = true, true
			s.logger.Debug("mirror match found",
				slog.Uint64("intent", a.ID),
				slog.Uint64("counter", b.ID))
			break
		}
	}
	return out
}

// leg builds the match for in. The filled source asset goes to the
// counterparty maker.
func (s *Solver) leg(in *intents.Intent, get *big.Int, counterparty string) (matching.Match, error) {
	fill := common.CloneAmount(in.Remaining)
	getAmount := common.CloneAmount(get)
	payload, err := Payload(in.ID, fill, getAmount)
	if err != nil {
		return matching.Match{}, err
	}
	return matching.Match{
		IntentID:   in.ID,
		FillAmount: fill,
		GetAmount:  getAmount,
		Payload:    payload,
		Path:       fmt.Sprintf("%s/%d", strings.ToLower(string(s.cfg.Chain)), in.ID),
		Chain:      s.cfg.Chain,
		Recipient:  counterparty,
	}, nil
}

// Payload is keccak256(id ‖ fill ‖ get) with every field left padded to 32
// bytes. Amounts that do not fit in 256 bits are rejected so the encoding
// stays unambiguous.
func Payload(id uint64, fill, get *big.Int) ([]byte, error) {
	var idBytes [32]byte
	binary.BigEndian.PutUint64(idBytes[24:], id)
	for _, v := range []*big.Int{fill, get} {
		if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
			return nil, fmt.Errorf("solver: amount %v does not fit in 32 bytes: %w", v, common.ErrInvalidAmount)
		}
	}
	return crypto.Keccak256(idBytes[:], gethcommon.LeftPadBytes(fill.Bytes(), 32), gethcommon.LeftPadBytes(get.Bytes(), 32)), nil
}
