package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DBUser        string `env:"DB_USER" envDefault:"postgres"`
	DBPassword    string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName        string `env:"DB_NAME" envDefault:"vpn_subscriptions"`
	DBHost        string `env:"DB_HOST" envDefault:"localhost"`
	DBPort        string `env:"DB_PORT" envDefault:"5432"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	BotToken         string `env:"TELEGRAM_BOT_TOKEN"`
	RemnawaveURL     string `env:"REMNAWAVE_API_URL"`
	RemnawaveKey     string `env:"REMNAWAVE_API_KEY"`
	RemnawaveSquadID string `env:"REMNAWAVE_SQUAD_ID"`

	HTTPAddr            string   `env:"HTTP_ADDR" envDefault:":8080"`
	WebhookSecret       string   `env:"WEBHOOK_SECRET"`
	AllowedWebhookCIDRs []string `env:"WEBHOOK_ALLOWED_CIDRS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"auto"`

	Settings Settings
}

// Settings is the business configuration handed to every component by value.
// Nothing mutates it after LoadConfig returns.
type Settings struct {
	TrialRollover          bool          `env:"TRIAL_ROLLOVER" envDefault:"true"`
	QuotaGrantWindow       time.Duration `env:"QUOTA_GRANT_WINDOW" envDefault:"720h"`
	WebhookGuardWindow     time.Duration `env:"WEBHOOK_GUARD_WINDOW" envDefault:"60s"`
	DailyPeriod            time.Duration `env:"DAILY_PERIOD" envDefault:"24h"`
	AutopayPeriodDays      int           `env:"AUTOPAY_PERIOD_DAYS" envDefault:"30"`
	DefaultAutopayLeadDays int           `env:"DEFAULT_AUTOPAY_LEAD_DAYS" envDefault:"3"`
	LegacyPeriodPrices     string        `env:"LEGACY_PERIOD_PRICES" envDefault:"30:25500"`
	DevicePrice            int64         `env:"DEVICE_PRICE" envDefault:"5000"`
	QuotaUnitPrice         int64         `env:"QUOTA_UNIT_PRICE" envDefault:"1000"`
	QuotaUnitBytes         int64         `env:"QUOTA_UNIT_BYTES" envDefault:"1073741824"`
	ExpiryNoticeLead       time.Duration `env:"EXPIRY_NOTICE_LEAD" envDefault:"24h"`
	NoticeMarkerTTL        time.Duration `env:"NOTICE_MARKER_TTL" envDefault:"168h"`
	CartTTL                time.Duration `env:"CART_TTL" envDefault:"72h"`

	SyncTimeout     time.Duration `env:"SYNC_TIMEOUT" envDefault:"10s"`
	SyncMaxAttempts int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"8"`
	SyncBatchSize   int           `env:"SYNC_BATCH_SIZE" envDefault:"50"`
	SyncBaseBackoff time.Duration `env:"SYNC_BASE_BACKOFF" envDefault:"30s"`
	SyncRateLimit   float64       `env:"SYNC_RATE_LIMIT" envDefault:"5"` // panel calls per second
	SyncRateBurst   int           `env:"SYNC_RATE_BURST" envDefault:"5"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	GrantsInterval    time.Duration `env:"GRANTS_INTERVAL" envDefault:"15m"`
	BillingInterval   time.Duration `env:"BILLING_INTERVAL" envDefault:"10m"`
	ResumeInterval    time.Duration `env:"RESUME_INTERVAL" envDefault:"5m"`
	AutopayInterval   time.Duration `env:"AUTOPAY_INTERVAL" envDefault:"1h"`
	NotifyInterval    time.Duration `env:"NOTIFY_INTERVAL" envDefault:"1h"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"15s"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using system environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scans cannot run with.
func (s Settings) Validate() error {
	if _, err := ParsePriceTable(s.LegacyPeriodPrices); err != nil {
		return fmt.Errorf("invalid LEGACY_PERIOD_PRICES: %w", err)
	}
	if s.AutopayPeriodDays <= 0 {
		return fmt.Errorf("AUTOPAY_PERIOD_DAYS must be positive, got %d", s.AutopayPeriodDays)
	}
	// a lead as long as the period would renew again right after every renewal
	if s.DefaultAutopayLeadDays < 0 || s.DefaultAutopayLeadDays >= s.AutopayPeriodDays {
		return fmt.Errorf("DEFAULT_AUTOPAY_LEAD_DAYS must be in [0, %d), got %d",
			s.AutopayPeriodDays, s.DefaultAutopayLeadDays)
	}
	return nil
}

// DefaultSettings returns the envDefault values without touching the environment.
func DefaultSettings() Settings {
	var s Settings
	_ = env.ParseWithOptions(&s, env.Options{Environment: map[string]string{}})
	return s
}

// LegacyPrice returns the price for a no-plan subscription period.
func (s Settings) LegacyPrice(days int) (int64, bool) {
	table, err := ParsePriceTable(s.LegacyPeriodPrices)
	if err != nil {
		return 0, false
	}
	price, ok := table[days]
	return price, ok
}

// ParsePriceTable parses "30:25500,90:69900" into days -> price.
func ParsePriceTable(raw string) (map[int]int64, error) {
	table := make(map[int]int64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		days, price, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q: expected days:price", part)
		}
		d, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("entry %q: bad duration", part)
		}
		p, err := strconv.ParseInt(strings.TrimSpace(price), 10, 64)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("entry %q: bad price", part)
		}
		table[d] = p
	}
	return table, nil
}
