package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerswap/services/swapd/oracle"
)

const (
	defaultNowPaymentsEndpoint = "https://api.nowpayments.io/v1/exchange/rates"
	defaultCoinGeckoEndpoint   = "https://api.coingecko.com/api/v3/simple/price"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey string, assets map[string]string) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "nowpayments":
		return newNowPaymentsSource(r.client(), label(name, "nowpayments"), endpoint, apiKey), nil
	case "coingecko":
		return newCoinGeckoSource(r.client(), label(name, "coingecko"), endpoint, assets), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func getJSON(ctx context.Context, client HTTPDoer, endpoint string, values url.Values, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = values.Encode()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	return decoder.Decode(out)
}

type nowPaymentsSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
}

func newNowPaymentsSource(client HTTPDoer, name, endpoint, apiKey string) *nowPaymentsSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultNowPaymentsEndpoint
	}
	return &nowPaymentsSource{name: name, client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey)}
}

func (s *nowPaymentsSource) Name() string { return s.name }

// Fetch asks NOWPayments how many quote units one base unit buys.
func (s *nowPaymentsSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	values := url.Values{}
	values.Set("from", normaliseSymbol(base))
	values.Set("to", normaliseSymbol(quote))
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["x-api-key"] = s.apiKey
	}
	var payload struct {
		Rate      json.Number `json:"rate"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := getJSON(ctx, s.client, s.endpoint, values, headers, &payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("nowpayments oracle: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(payload.Rate.String()))
	if err != nil || !rate.IsPositive() {
		return oracle.Quote{}, fmt.Errorf("nowpayments oracle: invalid rate %q", payload.Rate)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now()
	}
	return oracle.Quote{Rate: rate, Timestamp: ts, Source: s.name}, nil
}

type coinGeckoSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

// newCoinGeckoSource maps ledger asset names to CoinGecko ids through assets.
func newCoinGeckoSource(client HTTPDoer, name, endpoint string, assets map[string]string) *coinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	mapped := make(map[string]string, len(assets))
	for k, v := range assets {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &coinGeckoSource{name: name, client: client, endpoint: ep, idMap: mapped}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch prices the base asset in the quote currency.
func (s *coinGeckoSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	id := s.assetID(base)
	vs := strings.ToLower(normaliseSymbol(quote))
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	var payload map[string]map[string]json.Number
	if err := getJSON(ctx, s.client, s.endpoint, values, nil, &payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko oracle: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko oracle: quote missing for %s", base)
	}
	raw, ok := entry[vs]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko oracle: no %s price for %s", vs, base)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return oracle.Quote{}, fmt.Errorf("coingecko oracle: invalid rate %q", raw)
	}
	ts := time.Now()
	if updated, ok := entry["last_updated_at"]; ok {
		if parsed, err := updated.Int64(); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	return oracle.Quote{Rate: rate, Timestamp: ts, Source: s.name}, nil
}
