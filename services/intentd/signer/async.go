package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"intentbook/native/common"
	"intentbook/native/settlement"
	"intentbook/native/subintent"
)

// Async turns a synchronous Signer into a settlement.Requester. Requests run
// on their own goroutines, at most Concurrency at a time, and transient
// failures are retried with exponential backoff.
type Async struct {
	signer      settlement.Signer
	logger      *slog.Logger
	sem         chan struct{}
	timeout     time.Duration
	maxAttempts int
	newBackOff  func() backoff.BackOff
	wg          sync.WaitGroup
}

type AsyncOption func(*Async)

func WithConcurrency(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.sem = make(chan struct{}, n)
		}
	}
}

// WithTimeout bounds each signing attempt.
func WithTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithMaxAttempts(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) AsyncOption {
	return func(a *Async) {
		if fn != nil {
			a.newBackOff = fn
		}
	}
}

func WithLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAsync(s settlement.Signer, opts ...AsyncOption) *Async {
	a := &Async{
		signer:      s,
		logger:      slog.Default(),
		sem:         make(chan struct{}, 4),
		timeout:     15 * time.Second,
		maxAttempts: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Request implements settlement.Requester. done is always called exactly once.
func (a *Async) Request(ctx context.Context, req settlement.SignRequest, done settlement.DoneFunc) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sem <- struct{}{}
		defer func() { <-a.sem }()
		sig, err := a.sign(ctx, req)
		if err != nil {
			a.logger.Warn("signing request failed",
				slog.Uint64("sub_intent_id", req.SubIntentID),
				slog.Uint64("attempt", uint64(req.Attempt)),
				slog.Any("error", err))
			err = fmt.Errorf("%w: %w", common.ErrSigningFailed, err)
		}
		done(req, sig, err)
	}()
}

func (a *Async) sign(ctx context.Context, req settlement.SignRequest) (subintent.Signature, error) {
	var sig subintent.Signature
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		out, err := a.signer.Sign(attemptCtx, req)
		if err != nil {
			return err
		}
		sig = out
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), uint64(a.maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		a.logger.Debug("retrying signing request",
			slog.Uint64("sub_intent_id", req.SubIntentID),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}
	err := backoff.RetryNotify(op, policy, notify)
	return sig, err
}

// Wait blocks until every dispatched request has called back.
func (a *Async) Wait() {
	a.wg.Wait()
}

// External leaves signing to an out-of-process signer that watches the event
// journal for legs entering Signing and reports through the callback route.
type External struct{}

// Request implements settlement.Requester.
func (External) Request(context.Context, settlement.SignRequest, settlement.DoneFunc) {}

var (
	_ settlement.Requester = (*Async)(nil)
	_ settlement.Requester = External{}
)
