package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const yamlConfig = `
environment: staging
ledger:
  url: https://ledger.internal/rpc
  timeout: 5s
native:
  name: devsol
signer:
  key_secret: SWAPD_SIGNER_KEY
  journal: /tmp/journal
storage:
  dsn: postgres://swapd@db/swapd
registry:
  initial_supply: "1000000"
  claim_ttl: 90s
server:
  listen: ":8080"
  tls:
    disabled: true
  rate_limit:
    requests_per_minute: 120
    burst: 10
sources:
  - name: gecko
    type: coingecko
    endpoint: https://api.coingecko.com
pairs:
  - base: DEVSOL
    quote: USD
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "swapd.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("unexpected environment %q", cfg.Environment)
	}
	if cfg.Ledger.Timeout.Duration != 5*time.Second {
		t.Fatalf("unexpected ledger timeout %s", cfg.Ledger.Timeout)
	}
	if cfg.Registry.ClaimTTL.Duration != 90*time.Second {
		t.Fatalf("unexpected claim ttl %s", cfg.Registry.ClaimTTL)
	}
	if got := cfg.InitialSupply().String(); got != "1000000" {
		t.Fatalf("unexpected initial supply %s", got)
	}
	if cfg.Server.RateLimit.Burst != 10 {
		t.Fatalf("unexpected burst %d", cfg.Server.RateLimit.Burst)
	}
	// defaults
	if cfg.Native.Decimals != 9 || cfg.Registry.DefaultDecimals != 9 {
		t.Fatalf("expected default decimals of 9")
	}
	if cfg.Settlement.ResumeLease.Duration != 5*time.Minute {
		t.Fatalf("unexpected resume lease %s", cfg.Settlement.ResumeLease)
	}
	if cfg.Recon.Interval.Duration != 5*time.Minute {
		t.Fatalf("unexpected recon interval %s", cfg.Recon.Interval)
	}
	if cfg.Storage.Path != "" {
		t.Fatalf("expected dsn to suppress the sqlite default, got %q", cfg.Storage.Path)
	}
}

func TestLoadTOML(t *testing.T) {
	body := `
[ledger]
url = "memory://"

[signer]
mode = "hsm"

[signer.hsm]
base_url = "https://hsm.internal"
key_label = "swapd"
timeout = "3s"

[server.tls]
disabled = true

[recon]
interval = "1m"
dry_run = true
`
	cfg, err := Load(writeConfig(t, "swapd.toml", body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Signer.Mode != "hsm" || cfg.Signer.HSM.Timeout.Duration != 3*time.Second {
		t.Fatalf("unexpected signer config %+v", cfg.Signer)
	}
	if cfg.Recon.Interval.Duration != time.Minute || !cfg.Recon.DryRun {
		t.Fatalf("unexpected recon config %+v", cfg.Recon)
	}
	if cfg.Storage.Path != "/var/data/swapd.sqlite" {
		t.Fatalf("unexpected storage default %q", cfg.Storage.Path)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, "swapd.yaml", "signer:\n  private_key: deadbeef\n")); err == nil {
		t.Fatalf("expected inline key material to be rejected")
	}
	if _, err := Load(writeConfig(t, "swapd.toml", "[signer]\nprivate_key = \"deadbeef\"\n")); err == nil {
		t.Fatalf("expected inline key material to be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{
			name:   "no key reference",
			body:   "server:\n  tls:\n    disabled: true\n",
			errMsg: "key_secret or keystore_secret",
		},
		{
			name:   "keystore without passphrase",
			body:   "signer:\n  keystore_secret: KS\nserver:\n  tls:\n    disabled: true\n",
			errMsg: "passphrase_secret",
		},
		{
			name:   "tls without cert",
			body:   "signer:\n  key_secret: K\n",
			errMsg: "tls cert and key",
		},
		{
			name:   "mtls without client ca",
			body:   "signer:\n  key_secret: K\nserver:\n  tls:\n    cert: c.pem\n    key: k.pem\n  auth:\n    admin_allow_mtls: true\n",
			errMsg: "client_ca",
		},
		{
			name:   "negative supply",
			body:   "signer:\n  key_secret: K\nregistry:\n  initial_supply: \"-1\"\nserver:\n  tls:\n    disabled: true\n",
			errMsg: "initial_supply",
		},
		{
			name:   "lease shorter than a submission",
			body:   "signer:\n  key_secret: K\nsettlement:\n  confirm_timeout: 1m\n  resume_lease: 90s\nserver:\n  tls:\n    disabled: true\n",
			errMsg: "resume_lease",
		},
		{
			name:   "bad duration",
			body:   "signer:\n  key_secret: K\nregistry:\n  claim_ttl: soon\n",
			errMsg: "parse duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "swapd.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("unexpected error: got %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}
