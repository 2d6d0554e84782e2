package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Document store backend selection, first match wins:
	// 1. DatabaseURL set  -> Postgres
	// 2. MongoURI set     -> MongoDB
	// 3. otherwise        -> in-memory (optionally file-persisted via DataDir)
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	MongoURI      string
	MongoDatabase string

	DataDir string

	// If true:
	// - /readyz returns 503 unless a durable backend is configured and reachable.
	ReadinessRequireStore bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PRISM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PRISM_LOG_LEVEL", "info"),
		LogFormat: EnvString("PRISM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PRISM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PRISM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PRISM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PRISM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PRISM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PRISM_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PRISM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PRISM_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("PRISM_DB_SCHEMA", "prism"),

		MongoURI:      EnvString("PRISM_MONGO_URI", ""),
		MongoDatabase: EnvString("PRISM_MONGO_DATABASE", "prism"),

		DataDir: EnvString("PRISM_DATA_DIR", ""),

		ReadinessRequireStore: EnvBool("PRISM_READINESS_REQUIRE_STORE", false),

		CORSAllowedOrigins:   EnvCSV("PRISM_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("PRISM_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PRISM_CORS_MAX_AGE_SECONDS", 600),
	}
}
