// Package config loads keeper configuration from the environment.
package config

import (
	"PerpKeeper/internal/ledger"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PERP"

// KnownSources are the price sources the keeper can build.
var KnownSources = []string{"binance", "coinbase", "stream"}

// Config holds all keeper configuration.
type Config struct {
	RPCURL      string     `envconfig:"RPC_URL" default:"http://127.0.0.1:8899"`
	ProgramID   PublicKey  `envconfig:"PROGRAM_ID" required:"true"`
	KeypairPath string     `envconfig:"KEYPAIR_PATH" default:"~/.config/solana/id.json"`
	Markets     MarketList `envconfig:"MARKETS" required:"true"`

	ScanInterval     time.Duration `envconfig:"SCAN_INTERVAL" default:"5s"`
	CrankInterval    time.Duration `envconfig:"CRANK_INTERVAL" default:"5s"`
	ScanConcurrency  int           `envconfig:"SCAN_CONCURRENCY" default:"4"`
	MaxStalenessSecs uint64        `envconfig:"MAX_STALENESS" default:"0"`

	PricePushInterval time.Duration `envconfig:"PRICE_PUSH_INTERVAL" default:"5s"`
	PriceCacheTTL     time.Duration `envconfig:"PRICE_CACHE_TTL" default:"3s"`
	PriceSources      []string      `envconfig:"PRICE_SOURCES" default:"binance,coinbase"`
	PriceHistory      int           `envconfig:"PRICE_HISTORY" default:"100"`
	BinanceURL        string        `envconfig:"BINANCE_URL"`
	CoinbaseURL       string        `envconfig:"COINBASE_URL"`
	StreamURL         string        `envconfig:"STREAM_URL"`
	SourceRatePerSec  float64       `envconfig:"SOURCE_RATE" default:"10"`

	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"2"`
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"500ms"`
	SignatureTTL time.Duration `envconfig:"SIGNATURE_TTL" default:"10m"`
	SignatureCap int           `envconfig:"SIGNATURE_CAP" default:"10000"`

	EventBuffer int           `envconfig:"EVENT_BUFFER" default:"1024"`
	NATSURL     string        `envconfig:"NATS_URL"`
	RedisAddr   string        `envconfig:"REDIS_ADDR"`
	ClaimTTL    time.Duration `envconfig:"CLAIM_TTL" default:"30s"`

	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":9090"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9091"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// PublicKey decodes a base58 account address.
type PublicKey struct {
	solana.PublicKey
}

func (p *PublicKey) Decode(value string) error {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid public key %q: %w", value, err)
	}
	p.PublicKey = pk
	return nil
}

// MarketList decodes "address:ASSET,address:ASSET".
type MarketList []ledger.Market

func (ml *MarketList) Decode(value string) error {
	var out MarketList
	seen := make(map[solana.PublicKey]bool)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, asset, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(asset) == "" {
			return fmt.Errorf("market %q: want address:ASSET", entry)
		}
		pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(addr))
		if err != nil {
			return fmt.Errorf("market %q: %w", entry, err)
		}
		if seen[pk] {
			return fmt.Errorf("market %s listed twice", pk)
		}
		seen[pk] = true
		out = append(out, ledger.Market{Address: pk, Asset: strings.ToUpper(strings.TrimSpace(asset))})
	}
	*ml = out
	return nil
}

// Load reads .env (if present) and the PERP_* environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the keeper cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("PERP_MARKETS: no markets configured"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("PERP_SCAN_INTERVAL must be positive"))
	}
	if c.CrankInterval <= 0 {
		errs = append(errs, errors.New("PERP_CRANK_INTERVAL must be positive"))
	}
	if c.PricePushInterval <= 0 {
		errs = append(errs, errors.New("PERP_PRICE_PUSH_INTERVAL must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("PERP_MAX_RETRIES must not be negative"))
	}
	if c.PriceHistory < 1 {
		errs = append(errs, errors.New("PERP_PRICE_HISTORY must be at least 1"))
	}
	if c.SignatureCap < 1 {
		errs = append(errs, errors.New("PERP_SIGNATURE_CAP must be at least 1"))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, errors.New("PERP_EVENT_BUFFER must be at least 1"))
	}
	if len(c.PriceSources) == 0 {
		errs = append(errs, errors.New("PERP_PRICE_SOURCES: at least one source required"))
	}
	for _, s := range c.PriceSources {
		if !isKnownSource(s) {
			errs = append(errs, fmt.Errorf("PERP_PRICE_SOURCES: unknown source %q", s))
		}
	}
	return errors.Join(errs...)
}

func isKnownSource(name string) bool {
	for _, k := range KnownSources {
		if strings.EqualFold(strings.TrimSpace(name), k) {
			return true
		}
	}
	return false
}

// MaxStaleness is the keeper-side staleness cap; zero defers to each market.
func (c *Config) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSecs) * time.Second
}

// ResolvedKeypairPath expands a leading ~ in KeypairPath.
func (c *Config) ResolvedKeypairPath() string {
	if rest, ok := strings.CutPrefix(c.KeypairPath, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return c.KeypairPath
}

// Assets returns the distinct assets of the tracked markets.
func (c *Config) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range c.Markets {
		if !seen[m.Asset] {
			seen[m.Asset] = true
			out = append(out, m.Asset)
		}
	}
	return out
}
