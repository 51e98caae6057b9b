// Package rates resolves exchange rates and computes target amounts.
package rates

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"ledgerswap/services/swapd/swaperr"
)

// Table maps "<SOURCE>/<TARGET>" to the number of target units one source
// unit buys.
type Table map[string]decimal.Decimal

// NormalizeName canonicalises an asset name: NFC, trimmed, upper-cased.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFC.String(name)))
}

// PairKey builds the lookup key for a source/target pair.
func PairKey(source, target string) string {
	return NormalizeName(source) + "/" + NormalizeName(target)
}

// Normalize re-keys t with normalised names. Malformed keys and keys that
// collapse onto the same pair are rejected. A nil table stays nil.
func (t Table) Normalize() (Table, error) {
	if t == nil {
		return nil, nil
	}
	out := make(Table, len(t))
	for key, rate := range t {
		source, target, ok := strings.Cut(key, "/")
		if !ok || strings.TrimSpace(source) == "" || strings.TrimSpace(target) == "" {
			return nil, swaperr.Newf(swaperr.InvalidRequest, "rate table key %q is not SOURCE/TARGET", key)
		}
		pair := PairKey(source, target)
		if _, dup := out[pair]; dup {
			return nil, swaperr.Newf(swaperr.InvalidRequest, "rate table lists %s more than once", pair)
		}
		out[pair] = rate
	}
	return out, nil
}

// Quote is a resolved rate and the amounts it produces.
type Quote struct {
	Pair         string          `json:"pair"`
	Rate         decimal.Decimal `json:"rate"`
	SourceAmount decimal.Decimal `json:"sourceAmount"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
	Origin       string          `json:"origin"`
}

const (
	OriginRequest = "request"
	OriginFeed    = "feed"
)

// Resolve looks up source/target in table and multiplies amount by the rate.
// The product is exact. A missing pair is PairNotSupported; the rate never
// defaults.
func Resolve(table Table, source, target string, amount decimal.Decimal) (Quote, error) {
	if err := checkAmount(amount); err != nil {
		return Quote{}, err
	}
	key := PairKey(source, target)
	rate, ok := table[key]
	if !ok {
		return Quote{}, swaperr.Newf(swaperr.PairNotSupported, "no rate for %s", key)
	}
	return quote(key, rate, amount, OriginRequest)
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return swaperr.Newf(swaperr.InvalidRequest, "amount must be positive, got %s", amount)
	}
	return nil
}

func quote(key string, rate, amount decimal.Decimal, origin string) (Quote, error) {
	if !rate.IsPositive() {
		return Quote{}, swaperr.Newf(swaperr.InvalidRequest, "rate for %s must be positive, got %s", key, rate)
	}
	return Quote{
		Pair:         key,
		Rate:         rate,
		SourceAmount: amount,
		TargetAmount: amount.Mul(rate),
		Origin:       origin,
	}, nil
}

// Feed supplies rates published by the price oracle.
type Feed interface {
	Rate(ctx context.Context, source, target string) (decimal.Decimal, bool)
}

// Resolver prices a pair from the request table when one is supplied and
// from the feed otherwise. A supplied table is authoritative.
type Resolver struct {
	feed Feed
}

// NewResolver builds a resolver. feed may be nil.
func NewResolver(feed Feed) *Resolver {
	return &Resolver{feed: feed}
}

// Resolve prices amount. With a non-nil table a missing pair is
// PairNotSupported even when the feed knows the pair.
func (r *Resolver) Resolve(ctx context.Context, table Table, source, target string, amount decimal.Decimal) (Quote, error) {
	if err := checkAmount(amount); err != nil {
		return Quote{}, err
	}
	normalized, err := table.Normalize()
	if err != nil {
		return Quote{}, err
	}
	key := PairKey(source, target)
	if normalized != nil {
		rate, ok := normalized[key]
		if !ok {
			return Quote{}, swaperr.Newf(swaperr.PairNotSupported, "no rate for %s in the supplied table", key)
		}
		return quote(key, rate, amount, OriginRequest)
	}
	if r != nil && r.feed != nil {
		if rate, ok := r.feed.Rate(ctx, NormalizeName(source), NormalizeName(target)); ok {
			return quote(key, rate, amount, OriginFeed)
		}
	}
	return Quote{}, swaperr.Newf(swaperr.PairNotSupported, "no rate for %s", key)
}
