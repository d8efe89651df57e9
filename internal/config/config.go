package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from a local .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Telephony TelephonyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	// DB keeps telephony keys apart when the instance is shared.
	DB int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// TelephonyConfig drives the hangup orchestration timings.
type TelephonyConfig struct {
	// Provider selects the call detail fetcher: "twilio" or "static".
	Provider string

	// AfterCallDelay is the grace window before disposition runs, so the
	// post-dial handler can flag the leg first.
	AfterCallDelay time.Duration
	// CallDetailsDelay is the wait before asking the provider for the final end time.
	CallDetailsDelay time.Duration
	// AfterCallRetryDelay is the wait before the single retry of a missing call record.
	AfterCallRetryDelay time.Duration

	// StrictDisposition guards disposition with an atomic claim per call leg.
	StrictDisposition bool

	// RetrySweepSchedule is a cron spec for re-dispatching overdue retries.
	RetrySweepSchedule string

	// WebhookToken must match the token query value of provider callbacks.
	WebhookToken string
	// WebhookBaseURL is the public scheme and host the provider calls. When set
	// with the twilio provider, callbacks must carry a valid X-Twilio-Signature.
	WebhookBaseURL string
}

const (
	ProviderTwilio = "twilio"
	ProviderStatic = "static"
)

func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := mustInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in ApplyDefaults.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	c.Telephony.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("TELEPHONY_PROVIDER")))
	c.Telephony.AfterCallDelay = mustDuration("TELEPHONY_AFTER_CALL_DELAY")
	c.Telephony.CallDetailsDelay = mustDuration("TELEPHONY_CALL_DETAILS_DELAY")
	c.Telephony.AfterCallRetryDelay = mustDuration("TELEPHONY_AFTER_CALL_RETRY_DELAY")
	c.Telephony.RetrySweepSchedule = strings.TrimSpace(os.Getenv("RETRY_SWEEP_SCHEDULE"))
	c.Telephony.WebhookToken = os.Getenv("TELEPHONY_WEBHOOK_TOKEN")
	c.Telephony.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TELEPHONY_WEBHOOK_BASE_URL")), "/")
	{
		b, err := optionalBool("TELEPHONY_STRICT_DISPOSITION")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Telephony.StrictDisposition = b
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional values. Production-only requirements are left
// empty so Validate can report them.
func (c *Config) ApplyDefaults() {
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Telephony.Provider == "" {
		c.Telephony.Provider = ProviderTwilio
	}
	if c.Telephony.AfterCallDelay <= 0 {
		c.Telephony.AfterCallDelay = 2 * time.Second
	}
	if c.Telephony.CallDetailsDelay <= 0 {
		c.Telephony.CallDetailsDelay = 10 * time.Second
	}
	if c.Telephony.AfterCallRetryDelay <= 0 {
		c.Telephony.AfterCallRetryDelay = 20 * time.Second
	}
	if c.Telephony.RetrySweepSchedule == "" {
		c.Telephony.RetrySweepSchedule = "@every 1m"
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL > 24*time.Hour {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must not exceed 24h"))
	}

	switch c.Telephony.Provider {
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio provider"))
		}
	case ProviderStatic:
		if c.IsProduction() {
			errs = append(errs, errors.New("TELEPHONY_PROVIDER=static is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDER must be one of twilio, static, got %q", c.Telephony.Provider))
	}
	if c.Telephony.AfterCallDelay <= 0 || c.Telephony.CallDetailsDelay <= 0 || c.Telephony.AfterCallRetryDelay <= 0 {
		errs = append(errs, errors.New("telephony delays must be positive"))
	}
	if c.IsProduction() && c.Telephony.WebhookToken == "" {
		errs = append(errs, errors.New("TELEPHONY_WEBHOOK_TOKEN is required in production"))
	}
	if u := c.Telephony.WebhookBaseURL; u != "" && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		errs = append(errs, fmt.Errorf("TELEPHONY_WEBHOOK_BASE_URL must start with http:// or https://, got %q", u))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
