// Package settlement submits settlement plans to the ledger and reports
// exactly how far they got.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ledgerswap/observability"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/plan"
	"ledgerswap/services/swapd/signer"
	"ledgerswap/services/swapd/swaperr"
)

// Config bounds retries and confirmation waits.
type Config struct {
	MaxAttempts    uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
}

// Submitter drives plans and single transactions through the sequencer.
type Submitter struct {
	client ledger.Client
	seq    *signer.Sequencer
	cfg    Config
	logger *slog.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithConfig overrides retry and confirmation settings.
func WithConfig(cfg Config) Option {
	return func(s *Submitter) {
		s.cfg = cfg
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Submitter.
func New(client ledger.Client, seq *signer.Sequencer, opts ...Option) (*Submitter, error) {
	if client == nil {
		return nil, errors.New("settlement: ledger client required")
	}
	if seq == nil {
		return nil, errors.New("settlement: sequencer required")
	}
	s := &Submitter{client: client, seq: seq, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg.applyDefaults()
	return s, nil
}

// Authority is the address signing every transaction.
func (s *Submitter) Authority() string {
	return s.seq.Address().String()
}

// errNotAttempted marks a send that never reached the ledger.
var errNotAttempted = errors.New("settlement: not submitted")

// sendResult distinguishes a definite failure from an ambiguous one.
type sendResult struct {
	signed    ledger.SignedTransaction
	txID      string
	err       error
	ambiguous bool
}

// submit signs ops under the sequencer and delivers them with retries.
func (s *Submitter) submit(ctx context.Context, memo string, ops []ledger.Operation) sendResult {
	var res sendResult
	if err := ctx.Err(); err != nil {
		res.err = fmt.Errorf("%w: %w", errNotAttempted, err)
		return res
	}
	attempted := false
	send := func(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
		id, err := s.deliver(ctx, tx, &attempted)
		if err != nil && attempted && !isDefinite(err) {
			res.ambiguous = true
		}
		return id, err
	}
	signed, id, err := s.seq.Submit(ctx, ledger.Transaction{Operations: ops, Memo: memo}, send)
	res.signed, res.txID, res.err = signed, id, err
	if err != nil && !attempted {
		res.err = fmt.Errorf("%w: %w", errNotAttempted, err)
	}
	if err != nil && res.ambiguous {
		if txID, idErr := signed.ID(); idErr == nil {
			res.txID = txID
		}
	}
	return res
}

func isDefinite(err error) bool {
	_, rejected := ledger.AsRejected(err)
	return rejected || errors.Is(err, errUnknownToLedger)
}

var errUnknownToLedger = errors.New("settlement: ledger does not know the transaction")

// deliver sends the same signed bytes until the ledger answers, the context
// ends or attempts run out. Exhausted attempts are followed by one status
// probe so a transaction the ledger did accept is not reported as lost.
func (s *Submitter) deliver(ctx context.Context, tx ledger.SignedTransaction, attempted *bool) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialBackoff
	eb.MaxInterval = s.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.MaxAttempts-1), ctx)

	var id string
	err := backoff.Retry(func() error {
		*attempted = true
		var err error
		id, err = s.client.Submit(ctx, tx)
		if err == nil {
			return nil
		}
		if _, rejected := ledger.AsRejected(err); rejected {
			return backoff.Permanent(err)
		}
		s.logger.Warn("ledger submission failed, retrying", "error", err)
		return err
	}, b)
	if err == nil {
		return id, nil
	}
	if _, rejected := ledger.AsRejected(err); rejected || ctx.Err() != nil {
		return "", err
	}

	txID, idErr := tx.ID()
	if idErr != nil {
		return "", err
	}
	status, probeErr := s.client.Status(ctx, txID)
	if probeErr != nil {
		return "", fmt.Errorf("%w (status probe: %v)", err, probeErr)
	}
	switch status.State {
	case ledger.TxPending, ledger.TxConfirmed:
		return txID, nil
	case ledger.TxFailed:
		return "", &ledger.RejectedError{Code: status.Code, Reason: status.Reason}
	default:
		return "", fmt.Errorf("%w: %w", errUnknownToLedger, err)
	}
}

// confirmation is the result of waiting on a transaction.
type confirmation struct {
	state  ledger.TxState
	status ledger.TxStatus
	err    error
}

// await polls the ledger until txID confirms, fails, or the wait runs out.
func (s *Submitter) await(ctx context.Context, txID string) confirmation {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		status, err := s.client.Status(waitCtx, txID)
		if err == nil {
			switch status.State {
			case ledger.TxConfirmed, ledger.TxFailed:
				return confirmation{state: status.State, status: status}
			}
		} else {
			lastErr = err
		}
		select {
		case <-waitCtx.Done():
			if lastErr == nil {
				lastErr = waitCtx.Err()
			}
			return confirmation{state: ledger.TxPending, err: lastErr}
		case <-ticker.C:
		}
	}
}

// Execute submits ops as one transaction and waits for confirmation. It is
// used for setup work such as issuing assets and opening accounts.
func (s *Submitter) Execute(ctx context.Context, memo string, ops ...ledger.Operation) (string, error) {
	if len(ops) == 0 {
		return "", swaperr.Newf(swaperr.Internal, "no operations to execute")
	}
	res := s.submit(ctx, memo, ops)
	if res.err != nil && !res.ambiguous {
		return "", classify(res.err)
	}
	txID := res.txID
	conf := s.await(ctx, txID)
	switch conf.state {
	case ledger.TxConfirmed:
		return txID, nil
	case ledger.TxFailed:
		return txID, swaperr.New(swaperr.LedgerRejected, &ledger.RejectedError{Code: conf.status.Code, Reason: conf.status.Reason})
	default:
		if ctx.Err() != nil {
			return txID, swaperr.New(swaperr.Canceled, ctx.Err())
		}
		return txID, swaperr.New(swaperr.ConfirmationTimeout, fmt.Errorf("transaction %s: %w", txID, conf.err))
	}
}

// classify maps a definite send failure to the caller-facing taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return swaperr.New(swaperr.Canceled, err)
	case isRejectedErr(err):
		return swaperr.New(swaperr.LedgerRejected, err)
	default:
		return swaperr.New(swaperr.LedgerUnavailable, err)
	}
}

func isRejectedErr(err error) bool {
	_, ok := ledger.AsRejected(err)
	return ok
}

// Submit runs plan from the beginning.
func (s *Submitter) Submit(ctx context.Context, p plan.Plan) Outcome {
	if err := p.Validate(); err != nil {
		out := newOutcome(p)
		out.Status = Failed
		out.Err = err
		return out
	}
	return s.run(ctx, p, newOutcome(p))
}

// Resume continues a Pending settlement from its recorded state. Submitted
// legs are re-checked and, if the ledger never saw them, re-sent with the
// original signed bytes.
func (s *Submitter) Resume(ctx context.Context, p plan.Plan, prior Outcome) Outcome {
	if prior.Final() {
		return prior
	}
	if len(prior.Legs) != len(p.Legs) {
		prior = newOutcome(p)
	}
	prior.Err = nil
	return s.run(ctx, p, prior)
}

func (s *Submitter) run(ctx context.Context, p plan.Plan, out Outcome) Outcome {
	metrics := observability.SwapSettlement()
	for i, leg := range p.Legs {
		lr := &out.Legs[i]
		switch lr.State {
		case LegConfirmed:
			continue
		case LegFailed:
			return s.legFailed(out, i, errors.New(lr.Reason))
		case LegSubmitted:
			if failure := s.recheck(ctx, lr); failure != nil {
				metrics.RecordLeg(string(leg.Role), "failed")
				return s.legFailed(out, i, failure)
			}
		case LegUnsubmitted:
			memo := fmt.Sprintf("swap:%s:%s", p.Ref, leg.Role)
			res := s.submit(ctx, memo, []ledger.Operation{leg.Operation})
			if res.err != nil && !res.ambiguous {
				metrics.RecordLeg(string(leg.Role), "failed")
				if errors.Is(res.err, errNotAttempted) {
					return s.notSubmitted(out, i, res.err)
				}
				lr.State = LegFailed
				lr.Reason = res.err.Error()
				if res.signed.Signature != nil {
					signed := res.signed
					lr.Tx = &signed
				}
				return s.legFailed(out, i, res.err)
			}
			signed := res.signed
			lr.Tx = &signed
			lr.TxID = res.txID
			lr.State = LegSubmitted
			metrics.RecordLeg(string(leg.Role), "submitted")
			if res.ambiguous {
				s.logger.Warn("leg submission outcome unknown", "ref", p.Ref, "leg", i, "tx", res.txID, "error", res.err)
				out.Status = Pending
				out.Err = swaperr.OnLeg(swaperr.LedgerUnavailable, i, res.err)
				return out
			}
		}

		conf := s.await(ctx, lr.TxID)
		switch conf.state {
		case ledger.TxConfirmed:
			lr.State = LegConfirmed
			metrics.RecordLeg(string(leg.Role), "confirmed")
		case ledger.TxFailed:
			lr.State = LegFailed
			rejected := &ledger.RejectedError{Code: conf.status.Code, Reason: conf.status.Reason}
			lr.Reason = rejected.Error()
			metrics.RecordLeg(string(leg.Role), "failed")
			return s.legFailed(out, i, rejected)
		default:
			out.Status = Pending
			out.Err = swaperr.OnLeg(swaperr.ConfirmationTimeout, i, conf.err)
			return out
		}
	}
	out.Status = Confirmed
	out.Err = nil
	return out
}

// recheck looks at a leg recorded as submitted and re-sends its signed bytes
// when the ledger has never seen them. A non-nil error means the leg failed.
func (s *Submitter) recheck(ctx context.Context, lr *LegResult) error {
	if lr.TxID == "" && lr.Tx != nil {
		if id, err := lr.Tx.ID(); err == nil {
			lr.TxID = id
		}
	}
	status, err := s.client.Status(ctx, lr.TxID)
	if err != nil || status.State != ledger.TxUnknown {
		return nil
	}
	if lr.Tx == nil {
		lr.State = LegFailed
		lr.Reason = "transaction unknown to ledger"
		return errors.New(lr.Reason)
	}
	attempted := false
	if _, err := s.deliver(ctx, *lr.Tx, &attempted); err != nil && isDefinite(err) {
		// the sequence may have been taken by later transactions
		s.seq.Resync()
		lr.State = LegFailed
		lr.Reason = err.Error()
		return err
	}
	return nil
}

// legFailed records a definite failure of leg i.
func (s *Submitter) legFailed(out Outcome, i int, cause error) Outcome {
	if i == plan.DebitLeg {
		out.Status = Failed
		kind := swaperr.LedgerRejected
		if !isRejectedErr(cause) {
			kind = swaperr.LedgerUnavailable
		}
		out.Err = swaperr.OnLeg(kind, i, cause)
		return out
	}
	out.Status = PartiallyConfirmed
	out.Err = &swaperr.Error{Kind: swaperr.PartialSettlement, Leg: i, Detail: string(swaperr.KindOf(classify(cause))), Err: cause}
	s.logger.Error("settlement partially confirmed", "ref", out.Ref, "leg", i, "error", cause)
	return out
}

// notSubmitted handles a leg that never reached the ledger because the
// caller's deadline expired or signing failed.
func (s *Submitter) notSubmitted(out Outcome, i int, cause error) Outcome {
	kind := swaperr.KindOf(classify(cause))
	if i == plan.DebitLeg {
		out.Status = Failed
		out.Err = swaperr.OnLeg(kind, i, cause)
		return out
	}
	if kind == swaperr.Canceled {
		out.Status = Pending
		out.Err = swaperr.OnLeg(swaperr.ConfirmationTimeout, i, cause)
		return out
	}
	return s.legFailed(out, i, cause)
}
