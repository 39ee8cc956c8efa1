package config // package config loads application configuration from environment variables

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfig is returned (wrapped) for any missing or invalid setting.
var ErrConfig = errors.New("invalid config")

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Durations are parsed with time.ParseDuration,
// TTLs that historically were expressed in minutes/days keep those units.
type Config struct {
	Env  string // application environment (e.g. "dev", "production")
	Port string // HTTP port to listen on

	DBDriver string // mysql | postgres | sqlite
	DBDSN    string // full DSN; when empty it is assembled from the DB_* parts
	DBUser   string // database username
	DBPass   string // database password (optional)
	DBHost   string // database host address
	DBPort   string // database port number
	DBName   string // database name

	JWTSecret        string        // HS256 signing secret
	JWTSigningMethod string        // HS256 | EdDSA
	JWTEd25519Seed   []byte        // 32 byte seed for EdDSA signing
	JWTIssuer        string        // "iss" claim
	JWTAudience      string        // "aud" claim
	JWTLeeway        time.Duration // clock skew tolerated when parsing access tokens

	AccessTTLMin      int    // access token time-to-live in minutes
	RefreshTTLDays    int    // refresh token time-to-live in days
	RefreshTokenBytes int    // random bytes per refresh secret
	RefreshHMACKey    string // optional pepper for refresh-token hashing
	ReuseDetection    bool   // revoke the rotation chain when a rotated secret is replayed

	LockoutMaxAttempts int           // failed logins before lockout
	LockoutDuration    time.Duration // how long a tripped lockout lasts

	Argon2MemoryKiB   uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8

	PasswordMinScore int // zxcvbn minimum score, 0 disables the check

	RabbitURL            string // AMQP broker URL; empty disables audit publishing
	AuditConsumerEnabled bool   // run the audit log consumer in-process
	AuditLogPath         string // file the consumer appends to
}

// Load reads configuration values from the environment and returns a
// Config.  A .env file in the working directory is loaded first when
// present; real environment variables always win over it.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:  envStr("APP_ENV", "dev"),
		Port: envStr("APP_PORT", "8080"),

		DBDriver: strings.ToLower(envStr("DB_DRIVER", "mysql")),
		DBDSN:    os.Getenv("DB_DSN"),
		DBUser:   os.Getenv("DB_USER"),
		DBPass:   os.Getenv("DB_PASS"), // empty allowed
		DBHost:   envStr("DB_HOST", "localhost"),
		DBPort:   os.Getenv("DB_PORT"),
		DBName:   os.Getenv("DB_NAME"),

		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTSigningMethod: envStr("JWT_SIGNING_METHOD", "HS256"),
		JWTIssuer:        envStr("JWT_ISSUER", "credential-service"),
		JWTAudience:      envStr("JWT_AUDIENCE", "credential-service-clients"),
		JWTLeeway:        envDur("JWT_LEEWAY", 30*time.Second),

		AccessTTLMin:      envInt("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays:    envInt("REFRESH_TOKEN_TTL_DAYS", 30),
		RefreshTokenBytes: envInt("REFRESH_TOKEN_BYTES", 64),
		RefreshHMACKey:    strings.TrimSpace(os.Getenv("REFRESH_TOKEN_HMAC_KEY")),
		ReuseDetection:    envBool("REFRESH_REUSE_DETECTION", true),

		LockoutMaxAttempts: envInt("LOCKOUT_MAX_ATTEMPTS", 5),
		LockoutDuration:    envDur("LOCKOUT_DURATION", 5*time.Minute),

		PasswordMinScore: envInt("PASSWORD_MIN_SCORE", 0),

		RabbitURL:            rabbitURL(),
		AuditConsumerEnabled: envBool("AUDIT_CONSUMER_ENABLED", false),
		AuditLogPath:         envStr("AUDIT_LOG_PATH", "logs/auth_audit.log"),
	}

	mem, iters, par := envInt("ARGON2_MEMORY_KIB", 64*1024), envInt("ARGON2_ITERATIONS", 3), envInt("ARGON2_PARALLELISM", 2)
	if err := checkArgon2(mem, iters, par); err != nil {
		return Config{}, err
	}
	cfg.Argon2MemoryKiB, cfg.Argon2Iterations, cfg.Argon2Parallelism = uint32(mem), uint32(iters), uint8(par)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Argon2 cost bounds.  Values are range-checked as ints before they are
// narrowed, so a negative setting cannot wrap into a huge cost.
const (
	minArgon2MemoryKiB   = 8 * 1024
	maxArgon2MemoryKiB   = 4 * 1024 * 1024 // 4 GiB
	maxArgon2Iterations  = 64
	maxArgon2Parallelism = 255
)

func checkArgon2(memKiB, iters, par int) error {
	switch {
	case memKiB < minArgon2MemoryKiB || memKiB > maxArgon2MemoryKiB:
		return fmt.Errorf("%w: ARGON2_MEMORY_KIB must be within [%d,%d]", ErrConfig, minArgon2MemoryKiB, maxArgon2MemoryKiB)
	case iters < 1 || iters > maxArgon2Iterations:
		return fmt.Errorf("%w: ARGON2_ITERATIONS must be within [1,%d]", ErrConfig, maxArgon2Iterations)
	case par < 1 || par > maxArgon2Parallelism:
		return fmt.Errorf("%w: ARGON2_PARALLELISM must be within [1,%d]", ErrConfig, maxArgon2Parallelism)
	}
	return nil
}

// validate enforces invariants that would otherwise surface as confusing
// runtime failures (weak secrets, zero TTLs, unknown drivers).
func (c *Config) validate() error {
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unsupported DB_DRIVER %q", ErrConfig, c.DBDriver)
	}
	if c.DBDSN == "" {
		if c.DBDriver == "sqlite" {
			return fmt.Errorf("%w: DB_DSN is required for sqlite", ErrConfig)
		}
		if c.DBUser == "" || c.DBName == "" {
			return fmt.Errorf("%w: DB_USER and DB_NAME are required when DB_DSN is empty", ErrConfig)
		}
	}

	switch strings.ToUpper(c.JWTSigningMethod) {
	case "HS256":
		c.JWTSigningMethod = "HS256"
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("%w: JWT_SECRET must be at least 32 bytes", ErrConfig)
		}
	case "EDDSA":
		c.JWTSigningMethod = "EdDSA"
		seed, err := hex.DecodeString(strings.TrimSpace(os.Getenv("JWT_ED25519_SEED_HEX")))
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("%w: JWT_ED25519_SEED_HEX must be 64 hex chars", ErrConfig)
		}
		c.JWTEd25519Seed = seed
	default:
		return fmt.Errorf("%w: unsupported JWT_SIGNING_METHOD %q", ErrConfig, c.JWTSigningMethod)
	}

	if c.AccessTTLMin <= 0 || c.RefreshTTLDays <= 0 {
		return fmt.Errorf("%w: token TTLs must be positive", ErrConfig)
	}
	if c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 128 {
		return fmt.Errorf("%w: REFRESH_TOKEN_BYTES must be within [32,128]", ErrConfig)
	}
	if c.RefreshHMACKey != "" && len(c.RefreshHMACKey) < 32 {
		return fmt.Errorf("%w: REFRESH_TOKEN_HMAC_KEY must be at least 32 bytes", ErrConfig)
	}
	if c.LockoutMaxAttempts <= 0 {
		return fmt.Errorf("%w: LOCKOUT_MAX_ATTEMPTS must be positive", ErrConfig)
	}
	if c.PasswordMinScore < 0 || c.PasswordMinScore > 4 {
		return fmt.Errorf("%w: PASSWORD_MIN_SCORE must be within [0,4]", ErrConfig)
	}
	return nil
}

// AccessTTL returns the access token lifetime as a duration.
func (c Config) AccessTTL() time.Duration { return time.Duration(c.AccessTTLMin) * time.Minute }

// RefreshTTL returns the refresh token lifetime as a duration.
func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

func rabbitURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	return os.Getenv("AMQP_URL")
}

func envStr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
		return dur
	}
	return d
}
