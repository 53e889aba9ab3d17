package broker

import (
	"fmt"
	"log/slog"

	"github.com/quantfabric/execgate/internal/domain"
)

// Credentials holds the secrets for one broker backend. Alpaca uses the
// key/secret pair; Schwab uses the account hash and an OAuth access token.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccountHash string
	AccessToken string
}

// FactoryConfig controls which backends the factory may build and where
// they point.
type FactoryConfig struct {
	// Environment is one of "development", "staging", "production".
	Environment string
	// LiveTrading must be set explicitly before any live backend is built.
	LiveTrading bool

	AlpacaBaseURL string
	AlpacaDataURL string
	SchwabBaseURL string

	PaperStartingCash float64
	PaperSlippagePct  float64
}

// Factory builds broker clients from configuration, enforcing the live
// trading gate: a live backend is only constructed when the environment is
// staging or production AND live trading is explicitly enabled. In
// development a live request is downgraded to the paper broker; in staging
// or production without the flag it is refused outright.
type Factory struct {
	cfg    FactoryConfig
	creds  map[string]Credentials
	logger *slog.Logger
}

// NewFactory creates a broker factory. creds is keyed by broker name.
func NewFactory(cfg FactoryConfig, creds map[string]Credentials, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With(slog.String("component", "broker_factory")),
	}
}

// Create builds the named broker client. "paper" is always available; live
// backends pass the safety gate and credential validation first.
func (f *Factory) Create(name string) (Client, error) {
	if name == "paper" {
		return NewPaperBroker(f.cfg.PaperStartingCash, f.cfg.PaperSlippagePct), nil
	}

	switch f.cfg.Environment {
	case "development":
		if !f.cfg.LiveTrading {
			f.logger.Warn("downgrading live broker to paper in development",
				slog.String("broker", name),
			)
			return NewPaperBroker(f.cfg.PaperStartingCash, f.cfg.PaperSlippagePct), nil
		}
	case "staging", "production":
		if !f.cfg.LiveTrading {
			return nil, fmt.Errorf("broker: %s requested in %s but live trading is not enabled", name, f.cfg.Environment)
		}
	default:
		return nil, fmt.Errorf("broker: unknown environment %q", f.cfg.Environment)
	}

	creds, ok := f.creds[name]
	if !ok {
		return nil, fmt.Errorf("broker: no credentials configured for %s: %w", name, domain.ErrNotFound)
	}

	switch name {
	case "alpaca":
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("broker: alpaca credentials incomplete")
		}
		return NewAlpacaBroker(f.cfg.AlpacaBaseURL, f.cfg.AlpacaDataURL, creds.APIKey, creds.APISecret), nil
	case "schwab":
		if creds.AccountHash == "" || creds.AccessToken == "" {
			return nil, fmt.Errorf("broker: schwab credentials incomplete")
		}
		return NewSchwabBroker(f.cfg.SchwabBaseURL, creds.AccountHash, creds.AccessToken), nil
	default:
		return nil, fmt.Errorf("broker: unknown broker %q", name)
	}
}

// CreateAll builds clients for the given names in priority order, failing on
// the first broker that cannot be constructed.
func (f *Factory) CreateAll(names []string) ([]Client, error) {
	clients := make([]Client, 0, len(names))
	for _, name := range names {
		c, err := f.Create(name)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}
