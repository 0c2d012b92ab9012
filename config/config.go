package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Store kinds accepted by --store-kind.
const (
	StoreSQLite = "sqlite"
	StoreJSONL  = "jsonl"
	StoreMemory = "memory"
)

// Requirement flags which settings a command cannot run without.
type Requirement int

const (
	NeedMbox Requirement = 1 << iota
	NeedStore
	NeedIMAP
)

// EnvPrefix namespaces environment overrides, e.g. MBOX_INDEXER_STORE_KIND
// for --store-kind.
const EnvPrefix = "MBOX_INDEXER_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures all command-line options shared by the commands.
type Config struct {
	MboxPath           string
	StorePath          string
	StoreKind          string
	LogLevel           string
	LogDir             string
	ConfigFile         string
	Listen             string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
	IncludeHeader      []string
	IncludeBody        []string
	ExcludeHeader      []string
	ExcludeBody        []string
}

// fileConfig mirrors Config for the optional YAML file.
type fileConfig struct {
	Mbox    string `yaml:"mbox"`
	Store   string `yaml:"store"`
	Kind    string `yaml:"store_kind"`
	Listen  string `yaml:"listen"`
	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
	Filters struct {
		IncludeHeader []string `yaml:"include_header"`
		IncludeBody   []string `yaml:"include_body"`
		ExcludeHeader []string `yaml:"exclude_header"`
		ExcludeBody   []string `yaml:"exclude_body"`
	} `yaml:"filters"`
	IMAP struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		User               string `yaml:"user"`
		Password           string `yaml:"password"`
		UseTLS             *bool  `yaml:"use_tls"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		TargetFolder       string `yaml:"target_folder"`
	} `yaml:"imap"`
}

// RegisterFlags attaches the flags every command shares as persistent flags.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("mbox", "", "Path to the .mbox archive")
	flags.String("store", "", "Index store location (default: ~/.mbox-indexer/<archive>.<ext>)")
	flags.String("store-kind", StoreSQLite, "Index store backend: sqlite, jsonl, memory")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("config", "", "Optional YAML configuration file")
	flags.StringArray("include-header", nil, "Regex allow-list applied to indexed header fields (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to body previews (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to indexed header fields (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to body previews (mutually exclusive with include flags)")
}

// RegisterIMAPFlags attaches the IMAP export flags to cmd.
func RegisterIMAPFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for exported mail")
	flags.Bool("dry-run", false, "Simulate the export and emit stats without uploading")
}

// RegisterServeFlags attaches the HTTP listener flag to cmd.
func RegisterServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", "127.0.0.1:8080", "HTTP listen address")
}

// LoadConfig converts the parsed Cobra flags into a Config struct, overlays
// the YAML file for flags the user did not set, and validates the result
// against req.
func LoadConfig(cmd *cobra.Command, req Requirement) (Config, error) {
	flags := cmd.Flags()
	if err := applyEnv(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		MboxPath:           getString(flags, "mbox"),
		StorePath:          getString(flags, "store"),
		StoreKind:          getString(flags, "store-kind"),
		LogLevel:           getString(flags, "log-level"),
		LogDir:             getString(flags, "log-dir"),
		ConfigFile:         getString(flags, "config"),
		Listen:             getString(flags, "listen"),
		IMAPHost:           getString(flags, "imap-host"),
		IMAPPort:           getInt(flags, "imap-port"),
		IMAPUser:           getString(flags, "imap-user"),
		IMAPPass:           getString(flags, "imap-pass"),
		UseTLS:             getBool(flags, "use-tls"),
		InsecureSkipVerify: getBool(flags, "insecure-skip-verify"),
		TargetFolder:       getString(flags, "target-folder"),
		DryRun:             getBool(flags, "dry-run"),
		IncludeHeader:      getStringArray(flags, "include-header"),
		IncludeBody:        getStringArray(flags, "include-body"),
		ExcludeHeader:      getStringArray(flags, "exclude-header"),
		ExcludeBody:        getStringArray(flags, "exclude-body"),
	}

	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, flags, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.StoreKind = strings.ToLower(strings.TrimSpace(cfg.StoreKind))
	if cfg.StoreKind == "" {
		cfg.StoreKind = StoreSQLite
	}

	if cfg.StorePath == "" && cfg.StoreKind != StoreMemory && cfg.MboxPath != "" {
		path, err := DefaultStorePath(cfg.MboxPath, cfg.StoreKind)
		if err != nil {
			return Config{}, err
		}
		cfg.StorePath = path
	}
	if cfg.StorePath != "" {
		cfg.StorePath = filepath.Clean(cfg.StorePath)
	}

	if err := validateConfig(cfg, req); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv sets every flag the user left alone from its environment variable.
func applyEnv(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if setErr := flags.Set(f.Name, v); setErr != nil {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvName(f.Name), setErr)
		}
	})
	return err
}

// EnvName returns the environment variable consulted for flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func applyFile(cfg *Config, flags *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString := func(name string, dst *string, v string) {
		if v != "" && !changed(flags, name) {
			*dst = v
		}
	}
	setList := func(name string, dst *[]string, v []string) {
		if len(v) > 0 && !changed(flags, name) {
			*dst = v
		}
	}

	setString("mbox", &cfg.MboxPath, fc.Mbox)
	setString("store", &cfg.StorePath, fc.Store)
	setString("store-kind", &cfg.StoreKind, fc.Kind)
	setString("listen", &cfg.Listen, fc.Listen)
	setString("log-level", &cfg.LogLevel, fc.Logging.Level)
	setString("log-dir", &cfg.LogDir, fc.Logging.Dir)
	setList("include-header", &cfg.IncludeHeader, fc.Filters.IncludeHeader)
	setList("include-body", &cfg.IncludeBody, fc.Filters.IncludeBody)
	setList("exclude-header", &cfg.ExcludeHeader, fc.Filters.ExcludeHeader)
	setList("exclude-body", &cfg.ExcludeBody, fc.Filters.ExcludeBody)
	setString("imap-host", &cfg.IMAPHost, fc.IMAP.Host)
	setString("imap-user", &cfg.IMAPUser, fc.IMAP.User)
	setString("imap-pass", &cfg.IMAPPass, fc.IMAP.Password)
	setString("target-folder", &cfg.TargetFolder, fc.IMAP.TargetFolder)
	if fc.IMAP.Port != 0 && !changed(flags, "imap-port") {
		cfg.IMAPPort = fc.IMAP.Port
	}
	if fc.IMAP.UseTLS != nil && !changed(flags, "use-tls") {
		cfg.UseTLS = *fc.IMAP.UseTLS
	}
	if fc.IMAP.InsecureSkipVerify && !changed(flags, "insecure-skip-verify") {
		cfg.InsecureSkipVerify = true
	}
	return nil
}

func validateConfig(cfg Config, req Requirement) error {
	if req&NeedMbox != 0 && cfg.MboxPath == "" {
		return fmt.Errorf("%w: --mbox is required", ErrInvalidConfig)
	}

	switch cfg.StoreKind {
	case StoreSQLite, StoreJSONL, StoreMemory:
	default:
		return fmt.Errorf("%w: invalid --store-kind: %s", ErrInvalidConfig, cfg.StoreKind)
	}
	if req&NeedStore != 0 && cfg.StoreKind != StoreMemory && cfg.StorePath == "" {
		return fmt.Errorf("%w: --store is required", ErrInvalidConfig)
	}

	if req&NeedIMAP != 0 {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("%w: --imap-host is required", ErrInvalidConfig)
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("%w: --imap-user is required", ErrInvalidConfig)
		}
		if cfg.IMAPPass == "" && !cfg.DryRun {
			return fmt.Errorf("%w: IMAP password must be provided via --imap-pass or IMAP_PASS env var", ErrInvalidConfig)
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("%w: --imap-port must be between 1 and 65535", ErrInvalidConfig)
		}
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("%w: include and exclude flags are mutually exclusive", ErrInvalidConfig)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid --log-level: %s", ErrInvalidConfig, cfg.LogLevel)
	}

	return nil
}

// DefaultStorePath places the index for mboxPath under ~/.mbox-indexer. The
// file name carries a short hash of the archive's absolute path so archives
// sharing a base name get separate indexes.
func DefaultStorePath(mboxPath, kind string) (string, error) {
	dir, err := defaultStoreDir()
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(mboxPath)
	if err != nil {
		return "", fmt.Errorf("resolve mbox path: %w", err)
	}
	ext := ".db"
	if kind == StoreJSONL {
		ext = ".jsonl"
	}
	sum := sha256.Sum256([]byte(abs))
	base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	return filepath.Join(dir, base+"-"+hex.EncodeToString(sum[:4])+ext), nil
}

func defaultStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mbox-indexer"), nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

func getString(flags *pflag.FlagSet, name string) string {
	if flags.Lookup(name) == nil {
		return ""
	}
	v, _ := flags.GetString(name)
	return v
}

func getInt(flags *pflag.FlagSet, name string) int {
	if flags.Lookup(name) == nil {
		return 0
	}
	v, _ := flags.GetInt(name)
	return v
}

func getBool(flags *pflag.FlagSet, name string) bool {
	if flags.Lookup(name) == nil {
		return false
	}
	v, _ := flags.GetBool(name)
	return v
}

func getStringArray(flags *pflag.FlagSet, name string) []string {
	if flags.Lookup(name) == nil {
		return nil
	}
	v, _ := flags.GetStringArray(name)
	return v
}
