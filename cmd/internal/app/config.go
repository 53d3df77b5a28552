package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// NATS fan-out between server processes. Empty means single-process
	// delivery through the local fanout.
	NATSURL string

	// Shared HMAC key for verifying connection credentials issued by the
	// identity service. Empty means the dev-only plain resolver is active.
	AuthHMACKey string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("EMBER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("EMBER_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("EMBER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("EMBER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("EMBER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("EMBER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("EMBER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("EMBER_DATABASE_URL", ""),
		DBSchema:    EnvString("EMBER_DB_SCHEMA", "ember"),
		DBMaxConns:  EnvInt32("EMBER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("EMBER_DB_MIN_CONNS", 0),

		NATSURL: EnvString("EMBER_NATS_URL", ""),

		AuthHMACKey: EnvString("EMBER_AUTH_HMAC_KEY", ""),

		ReadinessRequireDB: EnvBool("EMBER_READINESS_REQUIRE_DB", false),
	}
}
