package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerswap/observability"
	"ledgerswap/services/swapd/storage"
)

// Quote is a single price observation: how many quote units one base unit buys.
type Quote struct {
	Rate      decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Source resolves a price quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Snapshot is an aggregated median published by the manager.
type Snapshot struct {
	Base    string
	Quote   string
	Median  decimal.Decimal
	Feeders []string
	ProofID string
	Time    time.Time
}

// Manager orchestrates periodic aggregation across configured sources and
// serves the latest medians as a rate feed.
type Manager struct {
	logger   *slog.Logger
	storage  *storage.Storage
	sources  []Source
	pairs    []Pair
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	once     sync.Once

	mu     sync.RWMutex
	latest map[string]Snapshot
}

// Pair identifies a base/quote pair.
type Pair struct {
	Base  string
	Quote string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance.
func New(store *storage.Storage, sources []Source, pairs []Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		storage:  store,
		sources:  append([]Source{}, sources...),
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
		latest:   make(map[string]Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "pairs", len(m.pairs))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured pairs. Every
// pair is attempted; the errors are joined.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var errs []error
	for _, pair := range m.pairs {
		if err := m.processPair(ctx, pair); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processPair(ctx context.Context, pair Pair) error {
	base := normalise(pair.Base)
	quote := normalise(pair.Quote)
	if base == "" || quote == "" {
		return fmt.Errorf("invalid pair configuration")
	}
	now := m.now()
	metrics := observability.Oracle()
	rates := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		q, err := src.Fetch(ctx, base, quote)
		if err != nil {
			m.logger.Warn("oracle source failed", "source", src.Name(), "pair", base+"/"+quote, "error", err)
			metrics.RecordSourceError(src.Name(), "fetch")
			continue
		}
		if !q.Rate.IsPositive() {
			m.logger.Warn("oracle source returned invalid rate", "source", src.Name())
			metrics.RecordSourceError(src.Name(), "invalid_rate")
			continue
		}
		if q.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("oracle source produced future timestamp", "source", src.Name())
			metrics.RecordSourceError(src.Name(), "future")
			continue
		}
		if m.maxAge > 0 && q.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("oracle source quote expired", "source", src.Name())
			metrics.RecordSourceError(src.Name(), "expired")
			continue
		}
		feeders = append(feeders, src.Name())
		rates = append(rates, q.Rate)
		if err := m.storage.RecordSample(ctx, base, quote, src.Name(), q.Rate, q.Timestamp, now); err != nil {
			m.logger.Warn("record oracle sample", "error", err)
		}
	}
	if len(rates) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s/%s", base, quote)
	}
	median := computeMedian(rates)
	if !median.IsPositive() {
		return fmt.Errorf("median computation failed for %s/%s", base, quote)
	}
	proof := proofID(base, quote, feeders, now)
	if err := m.storage.RecordSnapshot(ctx, base, quote, median.String(), feeders, proof, now); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	m.mu.Lock()
	m.latest[base+"/"+quote] = Snapshot{Base: base, Quote: quote, Median: median, Feeders: feeders, ProofID: proof, Time: now}
	m.mu.Unlock()
	metrics.RecordFreshness(base+"/"+quote, 0)
	return nil
}

// Latest returns the newest snapshot for base/quote, consulting the store
// when nothing has been aggregated in this process yet.
func (m *Manager) Latest(ctx context.Context, base, quote string) (Snapshot, bool) {
	base, quote = normalise(base), normalise(quote)
	m.mu.RLock()
	snap, ok := m.latest[base+"/"+quote]
	m.mu.RUnlock()
	if ok {
		return snap, true
	}
	stored, err := m.storage.LatestSnapshot(ctx, base, quote)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("load oracle snapshot", "pair", base+"/"+quote, "error", err)
		}
		return Snapshot{}, false
	}
	median, err := decimal.NewFromString(stored.MedianRate)
	if err != nil {
		return Snapshot{}, false
	}
	return Snapshot{Base: base, Quote: quote, Median: median, Feeders: stored.Feeders, ProofID: stored.ProofID, Time: stored.ObservedAt}, true
}

// Rate serves source/target from the freshest snapshot, inverting the
// opposite pair when only that one is tracked. Snapshots older than the
// configured max age plus one polling interval are ignored.
func (m *Manager) Rate(ctx context.Context, source, target string) (decimal.Decimal, bool) {
	if m == nil {
		return decimal.Decimal{}, false
	}
	if snap, ok := m.fresh(ctx, source, target); ok {
		return snap.Median, true
	}
	if snap, ok := m.fresh(ctx, target, source); ok {
		return decimal.NewFromInt(1).DivRound(snap.Median, 18), true
	}
	return decimal.Decimal{}, false
}

func (m *Manager) fresh(ctx context.Context, base, quote string) (Snapshot, bool) {
	snap, ok := m.Latest(ctx, base, quote)
	if !ok || !snap.Median.IsPositive() {
		return Snapshot{}, false
	}
	age := m.now().Sub(snap.Time)
	observability.Oracle().RecordFreshness(snap.Base+"/"+snap.Quote, age)
	if age > m.maxAge+m.interval {
		return Snapshot{}, false
	}
	return snap, true
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func computeMedian(rates []decimal.Decimal) decimal.Decimal {
	if len(rates) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal{}, rates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func proofID(base, quote string, feeders []string, ts time.Time) string {
	digest := sha256.New()
	digest.Write([]byte(base))
	digest.Write([]byte("/"))
	digest.Write([]byte(quote))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
