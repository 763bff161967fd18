package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"

	"github.com/beekhof/calsync/internal/calendar"
)

const (
	DefaultTimeZone          = "America/Santiago"
	DefaultSyncStartDate     = "2000-01-01"
	DefaultLookAheadDays     = 365
	DefaultDatabaseURL       = "calsync.db"
	DefaultSnapshotDir       = "snapshots"
	DefaultListen            = "127.0.0.1:8085"
	DefaultRequestTimeout    = 30
	DefaultFetchConcurrency  = 4
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultMorningExpression = "0 7 * * *"
	DefaultEveningExpression = "0 19 * * *"
)

// Schedule is one cron trigger. Label distinguishes the trigger in sync logs.
type Schedule struct {
	Expression string `json:"expression" yaml:"expression"`
	Label      string `json:"label" yaml:"label"`
}

// Exclusion holds the rules that keep events out of the local mirror.
type Exclusion struct {
	DenylistCalendars  []string `json:"denylistCalendars,omitempty" yaml:"denylistCalendars,omitempty"`
	DenylistCategories []string `json:"denylistCategories,omitempty" yaml:"denylistCategories,omitempty"` // provider event types, e.g. "outOfOffice"
	IncludePrivate     bool     `json:"includePrivate,omitempty" yaml:"includePrivate,omitempty"`
}

// Config holds the configuration for the calendar sync engine.
type Config struct {
	// Service identity
	ServiceAccountEmail string `json:"serviceAccountEmail,omitempty" yaml:"serviceAccountEmail,omitempty"`
	PrivateKey          string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	CredentialsFile     string `json:"credentialsFile,omitempty" yaml:"credentialsFile,omitempty"` // service-account JSON key
	ImpersonateUser     string `json:"impersonateUser,omitempty" yaml:"impersonateUser,omitempty"`
	TokenCachePath      string `json:"tokenCachePath,omitempty" yaml:"tokenCachePath,omitempty"`

	CalendarIDs []string `json:"calendarIds" yaml:"calendarIds"`

	// Sync window
	TimeZone          string        `json:"timeZone,omitempty" yaml:"timeZone,omitempty"`
	SyncStartDate     string        `json:"syncStartDate,omitempty" yaml:"syncStartDate,omitempty"`
	SyncLookAheadDays LookAheadDays `json:"syncLookAheadDays,omitempty" yaml:"syncLookAheadDays,omitempty"`

	// Provider behaviour
	RequestTimeoutSeconds int  `json:"requestTimeoutSeconds,omitempty" yaml:"requestTimeoutSeconds,omitempty"`
	FetchConcurrency      int  `json:"fetchConcurrency,omitempty" yaml:"fetchConcurrency,omitempty"`
	ShowDeleted           bool `json:"showDeleted,omitempty" yaml:"showDeleted,omitempty"`

	Exclusion Exclusion  `json:"exclusion" yaml:"exclusion"`
	Schedules []Schedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`

	DatabaseURL string `json:"databaseUrl,omitempty" yaml:"databaseUrl,omitempty"`
	SnapshotDir string `json:"snapshotDir,omitempty" yaml:"snapshotDir,omitempty"`
	Listen      string `json:"listen,omitempty" yaml:"listen,omitempty"`
	LogLevel    string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat   string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
}

// LookAheadDays is the number of days past today covered by the sync window.
// A file value that is not a whole number decodes as zero, which Normalize
// replaces with the default, the same as an unparsable environment value.
type LookAheadDays int

// UnmarshalJSON accepts a number or a quoted number.
func (d *LookAheadDays) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*d = LookAheadDays(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = LookAheadDays(parseDays(s))
		return nil
	}
	*d = 0
	return nil
}

// UnmarshalYAML accepts any scalar holding a whole number.
func (d *LookAheadDays) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		*d = 0
		return nil
	}
	*d = LookAheadDays(parseDays(node.Value))
	return nil
}

func parseDays(s string) int {
	days, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return days
}

// Overrides carries command-line values. Empty fields leave the loaded value alone.
type Overrides struct {
	DatabaseURL string
	SnapshotDir string
	Listen      string
	LogLevel    string
}

// ConfigurationError reports mandatory settings that are missing. The engine is
// disabled rather than started when Validate returns one.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sync engine disabled: missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// LoadConfigFromFile loads configuration from a JSON or YAML file, chosen by extension.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables (a .env file in the working directory is honoured)
// 3. Config file
// 4. Defaults
//
// Missing credentials are not an error here; call Validate to find out whether
// the engine may run.
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	_ = godotenv.Load()

	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.DatabaseURL != "" {
		config.DatabaseURL = flags.DatabaseURL
	}
	if flags.SnapshotDir != "" {
		config.SnapshotDir = flags.SnapshotDir
	}
	if flags.Listen != "" {
		config.Listen = flags.Listen
	}
	if flags.LogLevel != "" {
		config.LogLevel = flags.LogLevel
	}

	// Step 4: Credentials from a service-account key file fill whatever is unset
	if config.CredentialsFile != "" && (config.ServiceAccountEmail == "" || config.PrivateKey == "") {
		email, key, err := LoadServiceAccountKey(config.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if config.ServiceAccountEmail == "" {
			config.ServiceAccountEmail = email
		}
		if config.PrivateKey == "" {
			config.PrivateKey = key
		}
	}

	config.Normalize()
	return &config, nil
}

func applyEnv(config *Config) error {
	stringVars := map[string]*string{
		"CALSYNC_SERVICE_ACCOUNT_EMAIL": &config.ServiceAccountEmail,
		"CALSYNC_PRIVATE_KEY":           &config.PrivateKey,
		"CALSYNC_CREDENTIALS_FILE":      &config.CredentialsFile,
		"CALSYNC_IMPERSONATE_USER":      &config.ImpersonateUser,
		"CALSYNC_TOKEN_CACHE_PATH":      &config.TokenCachePath,
		"CALSYNC_TIME_ZONE":             &config.TimeZone,
		"CALSYNC_SYNC_START_DATE":       &config.SyncStartDate,
		"CALSYNC_DATABASE_URL":          &config.DatabaseURL,
		"CALSYNC_SNAPSHOT_DIR":          &config.SnapshotDir,
		"CALSYNC_LISTEN":                &config.Listen,
		"CALSYNC_LOG_LEVEL":             &config.LogLevel,
		"CALSYNC_LOG_FORMAT":            &config.LogFormat,
	}
	for name, target := range stringVars {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}

	if ids := os.Getenv("CALSYNC_CALENDAR_IDS"); ids != "" {
		config.CalendarIDs = splitList(ids)
	}

	// An unparsable look-ahead falls back to the default instead of failing.
	if v := os.Getenv("CALSYNC_SYNC_LOOKAHEAD_DAYS"); v != "" {
		config.SyncLookAheadDays = LookAheadDays(parseDays(v))
	}

	if v := os.Getenv("CALSYNC_SHOW_DELETED"); v != "" {
		showDeleted, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CALSYNC_SHOW_DELETED value: %w", err)
		}
		config.ShowDeleted = showDeleted
	}
	if v := os.Getenv("CALSYNC_INCLUDE_PRIVATE"); v != "" {
		includePrivate, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CALSYNC_INCLUDE_PRIVATE value: %w", err)
		}
		config.Exclusion.IncludePrivate = includePrivate
	}

	return nil
}

// Normalize fills in missing or invalid values with defaults.
func (c *Config) Normalize() {
	if c.TimeZone == "" {
		c.TimeZone = DefaultTimeZone
	}
	if c.SyncStartDate == "" {
		c.SyncStartDate = DefaultSyncStartDate
	}
	if c.SyncLookAheadDays <= 0 {
		c.SyncLookAheadDays = DefaultLookAheadDays
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = DefaultRequestTimeout
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = DefaultDatabaseURL
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = DefaultSnapshotDir
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if len(c.Schedules) == 0 {
		c.Schedules = DefaultSchedules()
	}

	// Blank IDs are dropped so an empty list is detected by Validate
	c.CalendarIDs = calendar.UniqueCalendarIDs(c.CalendarIDs)
}

// DefaultSchedules returns the two daily sync windows.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Expression: DefaultMorningExpression, Label: "morning"},
		{Expression: DefaultEveningExpression, Label: "evening"},
	}
}

// Validate reports whether the engine has everything it needs to run.
func (c *Config) Validate() error {
	var missing []string
	if c.ServiceAccountEmail == "" {
		missing = append(missing, "serviceAccountEmail")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "privateKey")
	}
	if len(c.CalendarIDs) == 0 {
		missing = append(missing, "calendarIds")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// Location returns the configured time zone, falling back to the default zone and
// then to UTC when the name is unknown.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.TimeZone); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultTimeZone); err == nil {
		return loc
	}
	return time.UTC
}

// RequestTimeout is the per-calendar fetch budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LoadServiceAccountKey reads the email and private key from a Google
// service-account JSON key file.
func LoadServiceAccountKey(path string) (email, privateKey string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if jwtConfig.Email == "" || len(jwtConfig.PrivateKey) == 0 {
		return "", "", fmt.Errorf("credentials file has no client_email or private_key")
	}

	return jwtConfig.Email, string(jwtConfig.PrivateKey), nil
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
