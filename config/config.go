package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	defaultLedgerID     = "default"
	defaultDataDir      = "./wal"
	defaultHTTPAddr     = ":8000"
	defaultCertCacheDir = "cert-cache"
	defaultCacheEntries = 64
	defaultShareClassID = "common"
	defaultVestingEvery = time.Minute
)

// Config is the typed service configuration.
type Config struct {
	LedgerID               string
	DataDir                string
	HTTPAddr               string
	TLSDomains             []string
	CertCacheDir           string
	DefaultShareClass      string
	CacheEntries           int
	LogLevel               string
	RequireConversionTerms bool
	ExportDir              string
	VestingReleaseEvery    time.Duration
	ShareClasses           []domain.ShareClass
}

// ConfigTmp is the raw YAML form. Decimals and counts stay strings until parsed.
type ConfigTmp struct {
	LedgerID               string          `yaml:"ledger_id"`
	DataDir                string          `yaml:"data_dir,omitempty"`
	HTTPAddr               string          `yaml:"http_addr,omitempty"`
	TLSDomains             []string        `yaml:"tls_domains,omitempty"`
	CertCacheDir           string          `yaml:"cert_cache_dir,omitempty"`
	DefaultShareClass      string          `yaml:"default_share_class,omitempty"`
	CacheEntriesStr        string          `yaml:"cache_entries,omitempty"`
	LogLevel               string          `yaml:"log_level,omitempty"`
	RequireConversionTerms bool            `yaml:"require_conversion_terms,omitempty"`
	ExportDir              string          `yaml:"export_dir,omitempty"`
	VestingReleaseEvery    string          `yaml:"vesting_release_every,omitempty"`
	ShareClasses           []ShareClassTmp `yaml:"share_classes,omitempty"`
}

// ShareClassTmp is a share class as written in YAML.
type ShareClassTmp struct {
	ID                    string `yaml:"id"`
	Name                  string `yaml:"name"`
	Symbol                string `yaml:"symbol,omitempty"`
	Priority              int    `yaml:"priority"`
	PreferenceMultipleStr string `yaml:"preference_multiple,omitempty"`
	NonParticipating      bool   `yaml:"non_participating,omitempty"`
}

// Get builds the configuration from args: the YAML file named by --config when given,
// CLI flags otherwise.
func Get(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	ledgerID := fs.String("ledger", defaultLedgerID, "ledger id (one company or token)")
	dataDir := fs.String("datadir", defaultDataDir, "directory for the event log and records")
	addr := fs.String("addr", defaultHTTPAddr, "http listen address")
	tlsDomains := fs.String("tlsdomains", "", "comma separated domains for automatic TLS")
	certCache := fs.String("certcache", defaultCertCacheDir, "ACME certificate cache dir")
	defaultClass := fs.String("defaultclass", defaultShareClassID, "share class receiving vesting releases")
	cacheEntries := fs.Int("cacheentries", defaultCacheEntries, "number of cached ledger states")
	logLevel := fs.String("loglevel", "info", "log level: debug or info")
	requireTerms := fs.Bool("requireterms", false, "reject convertibles with neither cap nor discount")
	exportDir := fs.String("exportdir", "", "directory for cap table exports")
	vestingEvery := fs.Duration("vestingevery", defaultVestingEvery, "how often due vesting releases are appended, 0 disables")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *path != "" {
		return Load(*path)
	}

	cfg := Config{
		LedgerID:               *ledgerID,
		DataDir:                *dataDir,
		HTTPAddr:               *addr,
		TLSDomains:             splitList(*tlsDomains),
		CertCacheDir:           *certCache,
		DefaultShareClass:      *defaultClass,
		CacheEntries:           *cacheEntries,
		LogLevel:               *logLevel,
		RequireConversionTerms: *requireTerms,
		ExportDir:              *exportDir,
		VestingReleaseEvery:    *vestingEvery,
		ShareClasses:           defaultShareClasses(orDefault(*defaultClass, defaultShareClassID)),
	}
	return cfg, cfg.Validate()
}

// Load reads a YAML config file.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return tmp.Parse()
}

// Parse converts the raw form, filling defaults for omitted keys.
func (c ConfigTmp) Parse() (Config, error) {
	cfg := Config{
		LedgerID:               orDefault(c.LedgerID, defaultLedgerID),
		DataDir:                orDefault(c.DataDir, defaultDataDir),
		HTTPAddr:               orDefault(c.HTTPAddr, defaultHTTPAddr),
		TLSDomains:             c.TLSDomains,
		CertCacheDir:           orDefault(c.CertCacheDir, defaultCertCacheDir),
		DefaultShareClass:      c.DefaultShareClass,
		CacheEntries:           defaultCacheEntries,
		LogLevel:               orDefault(c.LogLevel, "info"),
		RequireConversionTerms: c.RequireConversionTerms,
		ExportDir:              c.ExportDir,
		VestingReleaseEvery:    defaultVestingEvery,
	}

	if c.CacheEntriesStr != "" {
		n, err := strconv.Atoi(c.CacheEntriesStr)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'cache_entries' param in yaml config (must be an integer), error: %w", err)
		}
		cfg.CacheEntries = n
	}
	if c.VestingReleaseEvery != "" {
		d, err := time.ParseDuration(c.VestingReleaseEvery)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'vesting_release_every' param in yaml config (must be a duration), error: %w", err)
		}
		cfg.VestingReleaseEvery = d
	}

	for _, sc := range c.ShareClasses {
		multiple := decimal.Zero
		if sc.PreferenceMultipleStr != "" {
			var err error
			multiple, err = decimal.NewFromString(sc.PreferenceMultipleStr)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'preference_multiple' of share class %q (must be a decimal), error: %w", sc.ID, err)
			}
		}
		cfg.ShareClasses = append(cfg.ShareClasses, domain.ShareClass{
			ID:                 sc.ID,
			Name:               sc.Name,
			Symbol:             sc.Symbol,
			Priority:           sc.Priority,
			PreferenceMultiple: multiple,
			NonParticipating:   sc.NonParticipating,
		})
	}
	if len(cfg.ShareClasses) == 0 {
		cfg.ShareClasses = defaultShareClasses(orDefault(cfg.DefaultShareClass, defaultShareClassID))
	}

	return cfg, cfg.Validate()
}

// Tmp converts the typed config back to its YAML form.
func (c Config) Tmp() ConfigTmp {
	tmp := ConfigTmp{
		LedgerID:               c.LedgerID,
		DataDir:                c.DataDir,
		HTTPAddr:               c.HTTPAddr,
		TLSDomains:             c.TLSDomains,
		CertCacheDir:           c.CertCacheDir,
		DefaultShareClass:      c.DefaultShareClass,
		CacheEntriesStr:        strconv.Itoa(c.CacheEntries),
		LogLevel:               c.LogLevel,
		RequireConversionTerms: c.RequireConversionTerms,
		ExportDir:              c.ExportDir,
		VestingReleaseEvery:    c.VestingReleaseEvery.String(),
	}
	for _, sc := range c.ShareClasses {
		raw := ShareClassTmp{
			ID:               sc.ID,
			Name:             sc.Name,
			Symbol:           sc.Symbol,
			Priority:         sc.Priority,
			NonParticipating: sc.NonParticipating,
		}
		if !sc.PreferenceMultiple.IsZero() {
			raw.PreferenceMultipleStr = sc.PreferenceMultiple.String()
		}
		tmp.ShareClasses = append(tmp.ShareClasses, raw)
	}
	return tmp
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.LedgerID) == "" {
		return fmt.Errorf("ledger id is required")
	}
	if c.CacheEntries < 0 {
		return fmt.Errorf("cache entries must not be negative, got %d", c.CacheEntries)
	}
	if c.VestingReleaseEvery < 0 {
		return fmt.Errorf("vesting release interval must not be negative, got %s", c.VestingReleaseEvery)
	}
	switch c.LogLevel {
	case "", "debug", "info":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}

	seen := make(map[string]bool, len(c.ShareClasses))
	for _, sc := range c.ShareClasses {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("share class %q: %w", sc.ID, err)
		}
		if seen[sc.ID] {
			return fmt.Errorf("share class %q is listed twice", sc.ID)
		}
		seen[sc.ID] = true
	}
	if c.DefaultShareClass != "" && len(c.ShareClasses) > 0 && !seen[c.DefaultShareClass] {
		return fmt.Errorf("default share class %q is not among share_classes", c.DefaultShareClass)
	}
	return nil
}

func defaultShareClasses(id string) []domain.ShareClass {
	return []domain.ShareClass{{ID: id, Name: "Common", Symbol: "CMN", Priority: 0}}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
