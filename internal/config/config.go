// Package config loads and validates the reconciliation job's
// configuration from environment variables, per §6 of the specification.
//
// Grounded on the original's src/config.py for the DB_DSN-vs-individual-
// fields alternative and the cross-field LISTED_PRIORITY <
// CLEAN_FALLBACK_PRIORITY check; the TRACKER_* variable names follow the
// specification rather than the original's JIRA_*-prefixed ones, since the
// tracker is not necessarily Jira. Error handling follows mox's
// sentinel-error convention (a package-level Err value wrapped with
// fmt.Errorf("%w: ...")) rather than a bespoke exception hierarchy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrConfig marks any configuration validation failure. The run must exit
// before doing any work when this is returned (§7).
var ErrConfig = errors.New("config: invalid configuration")

// Config is the fully validated configuration for one run.
type Config struct {
	// Database. If DSN is set it is used verbatim; otherwise Host/Port/
	// Name/User/Password build one for github.com/go-sql-driver/mysql.
	DBDSN      string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	DNSBLZones     []string
	DNSTimeoutSecs int
	DNSConcurrency int

	ListedPriority        int
	CleanFallbackPriority int

	TrackerBaseURL             string
	TrackerUser                string
	TrackerAPIToken            string
	TrackerProject             string
	TrackerIssueType           string
	TrackerDNSFailureIssueType string
	TrackerExcludedStatuses    []string

	DryRun                         bool
	EnableNetworkConnectivityCheck bool
	Verbose                        bool
	MaxExecutionTimeSecs           int
}

// DSN returns the github.com/go-sql-driver/mysql data source name to
// connect with: DBDSN verbatim if set, else one built from the individual
// fields.
func (c Config) DSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// FromEnv loads and validates a Config from the process environment.
func FromEnv() (Config, error) {
	var c Config

	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		var err error
		if c.DBHost, err = requiredEnv("DB_HOST"); err != nil {
			return Config{}, err
		}
		if c.DBPort, err = intEnv("DB_PORT", 3306); err != nil {
			return Config{}, err
		}
		if c.DBName, err = requiredEnv("DB_NAME"); err != nil {
			return Config{}, err
		}
		if c.DBUser, err = requiredEnv("DB_USER"); err != nil {
			return Config{}, err
		}
		if c.DBPassword, err = requiredEnv("DB_PASSWORD"); err != nil {
			return Config{}, err
		}
	}

	zones, err := requiredEnv("DNSBL_ZONES")
	if err != nil {
		return Config{}, err
	}
	c.DNSBLZones = splitNonEmpty(zones, ",")

	if c.DNSTimeoutSecs, err = intEnv("DNS_TIMEOUT", 5); err != nil {
		return Config{}, err
	}
	if c.DNSConcurrency, err = intEnv("DNS_CONCURRENCY", 10); err != nil {
		return Config{}, err
	}
	if c.ListedPriority, err = intEnv("LISTED_PRIORITY", 0); err != nil {
		return Config{}, err
	}
	if c.CleanFallbackPriority, err = intEnv("CLEAN_FALLBACK_PRIORITY", 50); err != nil {
		return Config{}, err
	}

	if c.TrackerBaseURL, err = requiredEnv("TRACKER_URL"); err != nil {
		return Config{}, err
	}
	if c.TrackerUser, err = requiredEnv("TRACKER_USER"); err != nil {
		return Config{}, err
	}
	if c.TrackerAPIToken, err = requiredEnv("TRACKER_TOKEN"); err != nil {
		return Config{}, err
	}
	if c.TrackerProject, err = requiredEnv("TRACKER_PROJECT"); err != nil {
		return Config{}, err
	}
	if c.TrackerIssueType, err = requiredEnv("TRACKER_ISSUE_TYPE"); err != nil {
		return Config{}, err
	}
	if c.TrackerDNSFailureIssueType, err = requiredEnv("TRACKER_DNS_FAILURE_TYPE"); err != nil {
		return Config{}, err
	}
	c.TrackerExcludedStatuses = splitNonEmpty(envOr("TRACKER_EXCLUDED_STATUSES", "Done,Closed,Resolved"), ",")

	c.DryRun = boolEnv("DRY_RUN", false)
	c.EnableNetworkConnectivityCheck = boolEnv("ENABLE_SUPPLEMENTAL_PROBE", true)
	c.Verbose = boolEnv("VERBOSE", false)
	if c.MaxExecutionTimeSecs, err = intEnv("MAX_EXECUTION_TIME", 0); err != nil {
		return Config{}, err
	}

	if err := Validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the cross-field and range invariants of §6. It is the
// tested surface; FromEnv is a thin wrapper around it plus os.Getenv.
func Validate(c Config) error {
	if c.DBDSN == "" {
		if c.DBHost == "" || c.DBName == "" || c.DBUser == "" {
			return fmt.Errorf("%w: DB_DSN or DB_HOST/DB_NAME/DB_USER/DB_PASSWORD must be set", ErrConfig)
		}
	}
	if len(c.DNSBLZones) == 0 {
		return fmt.Errorf("%w: DNSBL_ZONES must contain at least one zone", ErrConfig)
	}
	if c.DNSTimeoutSecs < 1 || c.DNSTimeoutSecs > 60 {
		return fmt.Errorf("%w: DNS_TIMEOUT must be between 1 and 60 seconds, got %d", ErrConfig, c.DNSTimeoutSecs)
	}
	if c.DNSConcurrency < 1 || c.DNSConcurrency > 100 {
		return fmt.Errorf("%w: DNS_CONCURRENCY must be between 1 and 100, got %d", ErrConfig, c.DNSConcurrency)
	}
	if c.ListedPriority < 0 || c.ListedPriority > 100 {
		return fmt.Errorf("%w: LISTED_PRIORITY must be between 0 and 100, got %d", ErrConfig, c.ListedPriority)
	}
	if c.CleanFallbackPriority < 0 || c.CleanFallbackPriority > 100 {
		return fmt.Errorf("%w: CLEAN_FALLBACK_PRIORITY must be between 0 and 100, got %d", ErrConfig, c.CleanFallbackPriority)
	}
	if c.ListedPriority >= c.CleanFallbackPriority {
		return fmt.Errorf("%w: LISTED_PRIORITY (%d) must be less than CLEAN_FALLBACK_PRIORITY (%d)", ErrConfig, c.ListedPriority, c.CleanFallbackPriority)
	}
	if c.TrackerBaseURL != "" && !strings.HasPrefix(c.TrackerBaseURL, "https://") {
		return fmt.Errorf("%w: TRACKER_URL must be an HTTPS URL", ErrConfig)
	}
	if len(c.TrackerExcludedStatuses) == 0 {
		return fmt.Errorf("%w: TRACKER_EXCLUDED_STATUSES must contain at least one status", ErrConfig)
	}
	return nil
}

func requiredEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%w: required environment variable %s is not set", ErrConfig, key)
	}
	return v, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrConfig, key, v)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
