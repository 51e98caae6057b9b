package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"ledgerswap/crypto"
)

// HSMConfig captures the parameters required to establish an mTLS session with
// the HSM signing proxy.
type HSMConfig struct {
	BaseURL    string
	KeyLabel   string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
	SignPath   string
	// Address pins the expected owner address of the HSM key. When set, the
	// probe signature must recover to it.
	Address string
}

// HSMSigner signs digests through an HSM proxy. Keys never leave the HSM.
type HSMSigner struct {
	keyLabel   string
	httpClient *http.Client
	baseURL    string
	signPath   string
	addr       crypto.Address
}

// NewHSMSigner builds the client and derives the signing address by
// recovering it from a probe signature.
func NewHSMSigner(ctx context.Context, cfg HSMConfig) (*HSMSigner, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("hsm: base url required")
	}
	if strings.TrimSpace(cfg.KeyLabel) == "" {
		return nil, fmt.Errorf("hsm: key label required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newHSMSigner(ctx, cfg, &http.Transport{TLSClientConfig: tlsConfig})
}

func newHSMSigner(ctx context.Context, cfg HSMConfig, transport http.RoundTripper) (*HSMSigner, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	signPath := strings.TrimSpace(cfg.SignPath)
	if signPath == "" {
		signPath = "/sign"
	}
	s := &HSMSigner{
		keyLabel: strings.TrimSpace(cfg.KeyLabel),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signPath: signPath,
	}
	probe := crypto.Keccak256([]byte("swapd/hsm-probe/" + s.keyLabel))
	sig, err := s.Sign(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("hsm: probe signature: %w", err)
	}
	addr, err := crypto.RecoverSigner(probe, sig)
	if err != nil {
		return nil, fmt.Errorf("hsm: probe signature: %w", err)
	}
	if expected := strings.TrimSpace(cfg.Address); expected != "" && expected != addr.String() {
		return nil, fmt.Errorf("hsm: key %s signs as %s, expected %s", s.keyLabel, addr, expected)
	}
	s.addr = addr
	return s, nil
}

func buildTLSConfig(cfg HSMConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("hsm: load client certificate: %w", err)
	}
	rootPool, err := loadCACert(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootPool,
	}, nil
}

func loadCACert(path string) (*x509.CertPool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("hsm: ca certificate required")
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hsm: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("hsm: failed to append ca certificate %s", path)
	}
	return pool, nil
}

type signRequest struct {
	KeyLabel string `json:"key"`
	Digest   string `json:"digest"`
	Scheme   string `json:"scheme"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Address returns the owner address of the HSM key.
func (s *HSMSigner) Address() crypto.Address { return s.addr }

// Sign requests a 65-byte recoverable signature over digest.
func (s *HSMSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if s == nil || s.httpClient == nil {
		return nil, fmt.Errorf("hsm: client not configured")
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("hsm: digest must be 32 bytes")
	}
	payload := signRequest{KeyLabel: s.keyLabel, Digest: hex.EncodeToString(digest), Scheme: "secp256k1-recoverable"}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := s.baseURL + path.Clean("/"+s.signPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hsm: sign failed: status=%d", resp.StatusCode)
	}
	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("hsm: decode response: %w", err)
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(decoded.Signature), "0x")
	if sigHex == "" {
		return nil, fmt.Errorf("hsm: empty signature")
	}
	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("hsm: invalid signature encoding: %w", err)
	}
	if len(signature) != 65 {
		return nil, fmt.Errorf("hsm: expected 65-byte signature, got %d", len(signature))
	}
	return signature, nil
}

var _ Signer = (*HSMSigner)(nil)
var _ Signer = (*LocalSigner)(nil)
