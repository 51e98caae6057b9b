package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ledgerswap/crypto"
	"ledgerswap/services/swapd/ledger"
)

// SendFunc delivers a signed transaction to the ledger and returns its ID.
type SendFunc func(ctx context.Context, tx ledger.SignedTransaction) (string, error)

// Sequencer serialises every transaction signed by the service authority.
// Sequence assignment, signing and submission happen under one lock so two
// transactions can never race for the same sequence number.
type Sequencer struct {
	signer  Signer
	client  ledger.Client
	journal Journal
	logger  *slog.Logger

	mu          sync.Mutex
	next        uint64
	synced      bool
	trustLedger bool
}

// NewSequencer wires the signer to the ledger. journal may be nil.
func NewSequencer(s Signer, client ledger.Client, journal Journal) (*Sequencer, error) {
	if s == nil {
		return nil, errors.New("signer: signer required")
	}
	if client == nil {
		return nil, errors.New("signer: ledger client required")
	}
	return &Sequencer{signer: s, client: client, journal: journal, logger: slog.Default()}, nil
}

// WithLogger overrides the logger.
func (s *Sequencer) WithLogger(logger *slog.Logger) *Sequencer {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Address returns the service authority address.
func (s *Sequencer) Address() crypto.Address {
	return s.signer.Address()
}

// Submit stamps tx with the service payer and the next sequence, signs it and
// hands it to send. The signed transaction is returned even when send fails
// so callers can probe its status.
func (s *Sequencer) Submit(ctx context.Context, tx ledger.Transaction, send SendFunc) (ledger.SignedTransaction, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.syncLocked(ctx); err != nil {
		return ledger.SignedTransaction{}, "", err
	}
	payer := s.signer.Address().String()
	tx.Payer = payer
	tx.Sequence = s.next
	digest, err := tx.Digest()
	if err != nil {
		return ledger.SignedTransaction{}, "", err
	}
	sig, err := s.signer.Sign(ctx, digest)
	if err != nil {
		return ledger.SignedTransaction{}, "", fmt.Errorf("signer: sign transaction: %w", err)
	}
	signed := ledger.SignedTransaction{Transaction: tx, Signature: sig}

	id, err := send(ctx, signed)
	if err != nil {
		switch {
		case ledger.IsCode(err, ledger.CodeBadSequence):
			s.synced = false
			s.trustLedger = true
		case isRejected(err):
			// rejected transactions do not consume the sequence
		default:
			// the ledger may or may not have accepted it
			s.synced = false
		}
		return signed, "", err
	}
	s.next = tx.Sequence + 1
	if s.journal != nil {
		if jerr := s.journal.Record(payer, tx.Sequence, id); jerr != nil {
			s.logger.Warn("sequence journal write failed", "sequence", tx.Sequence, "tx", id, "error", jerr)
		}
	}
	return signed, id, nil
}

func isRejected(err error) bool {
	_, ok := ledger.AsRejected(err)
	return ok
}

// Resync forces the next submission to re-read the ledger sequence.
func (s *Sequencer) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = false
}

func (s *Sequencer) syncLocked(ctx context.Context) error {
	if s.synced {
		return nil
	}
	payer := s.signer.Address().String()
	next, err := s.client.NextSequence(ctx, payer)
	if err != nil {
		return fmt.Errorf("signer: fetch sequence: %w", err)
	}
	if s.journal != nil {
		last, ok, err := s.journal.Last(payer)
		if err != nil {
			return err
		}
		if ok && last+1 > next {
			spent, serr := s.journal.Spent(payer, next, last)
			if serr != nil {
				s.logger.Warn("sequence journal scan failed", "error", serr)
			}
			if s.trustLedger {
				s.logger.Warn("reusing journaled sequences", "ledger", next, "journal", last+1, "journaled_txs", spent)
			} else {
				s.logger.Info("sequence journal ahead of ledger", "ledger", next, "journal", last+1, "journaled_txs", spent)
				next = last + 1
			}
		}
	}
	s.next = next
	s.synced = true
	s.trustLedger = false
	return nil
}
