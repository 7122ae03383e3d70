package electrumchi

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

const (
	defaultDataDirname   = "data"
	defaultChannelDBName = "channel.db"
	defaultTowerDBName   = "tower.db"

	defaultFeePerKw     = 2500
	defaultFundingConfs = lnchannel.DefaultFundingConfs
	defaultCsvDelay     = lnchannel.DefaultCsvDelay
	defaultDustLimit    = lnchannel.DefaultDustLimit
)

// DefaultDataDir is the fallback location of the channel and tower
// databases.
var DefaultDataDir = btcutil.AppDataDir("electrum-chi", false)

// WatchtowerOpts bundles the operator options of the optional tower client
// and the tower service itself.
type WatchtowerOpts struct {
	Active bool `long:"active" description:"Back revoked states up with a watchtower"`

	TowerDir string `long:"towerdir" description:"Directory holding the tower database when running the tower service"`
}

// FaultOpts exposes the protocol fault injections used in adversarial
// testing.
type FaultOpts struct {
	DisableHtlcSettle bool `long:"disable_htlc_settle" description:"Refuse to settle incoming HTLCs, forcing the counterparty into a unilateral close"`

	ForceMalformedHtlc bool `long:"force_malformed_htlc" description:"Corrupt the payment hash of outgoing HTLCs"`
}

// Config holds the operator-facing daemon configuration.
type Config struct {
	DataDir string `long:"datadir" description:"Directory containing the channel database"`

	DebugLevel string `long:"debuglevel" description:"Logging level, either a global level or <subsystem>=<level> pairs"`

	FeePerKw     int64  `long:"feerate" description:"Commitment fee rate in sat/kw"`
	FundingConfs uint32 `long:"fundingconfs" description:"Confirmation depth before a channel opens"`
	CsvDelay     uint32 `long:"csvdelay" description:"Relative timelock on own commitment outputs, in blocks"`
	DustLimit    int64  `long:"dustlimit" description:"Smallest commitment output in satoshis, below it amounts fold into the fee"`

	Watchtower *WatchtowerOpts `group:"watchtower" namespace:"watchtower"`
	Faults     *FaultOpts      `group:"faults" namespace:"faults"`
}

// DefaultConfig returns the config every field of which holds its default.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      DefaultDataDir,
		DebugLevel:   "info",
		FeePerKw:     defaultFeePerKw,
		FundingConfs: defaultFundingConfs,
		CsvDelay:     defaultCsvDelay,
		DustLimit:    int64(defaultDustLimit),
		Watchtower:   &WatchtowerOpts{},
		Faults:       &FaultOpts{},
	}
}

// LoadConfig parses command line options onto the defaults and validates
// the result.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.ParseArgs(cfg, args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects parameter combinations no channel could operate under.
func (c *Config) Validate() error {
	if c.FeePerKw <= 0 {
		return fmt.Errorf("feerate must be positive, got %d",
			c.FeePerKw)
	}
	if c.FundingConfs == 0 {
		return fmt.Errorf("fundingconfs must be non-zero")
	}
	if c.CsvDelay == 0 {
		return fmt.Errorf("csvdelay must be non-zero")
	}
	if c.DustLimit <= 0 {
		return fmt.Errorf("dustlimit must be positive, got %d",
			c.DustLimit)
	}

	c.DataDir = filepath.Clean(c.DataDir)
	if c.Watchtower.TowerDir == "" {
		c.Watchtower.TowerDir = c.DataDir
	}

	return nil
}

// ChannelDBPath returns the location of the channel database.
func (c *Config) ChannelDBPath() string {
	return filepath.Join(c.DataDir, defaultDataDirname, defaultChannelDBName)
}

// TowerDBPath returns the location of the tower database.
func (c *Config) TowerDBPath() string {
	return filepath.Join(
		c.Watchtower.TowerDir, defaultDataDirname, defaultTowerDBName,
	)
}

// FaultFlags converts the operator fault options to the channel engine's
// flag set.
func (c *Config) FaultFlags() lnchannel.FaultFlags {
	return lnchannel.FaultFlags{
		DisableHtlcSettle:  c.Faults.DisableHtlcSettle,
		ForceMalformedHtlc: c.Faults.ForceMalformedHtlc,
	}
}

// validateTowerURL checks a tower endpoint for basic well-formedness. The
// connection itself is the transport layer's business.
func validateTowerURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid watchtower url %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("watchtower url %q lacks a host", raw)
	}

	return nil
}
