package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const bytesPerGB = 1 << 30

// Config is the process-wide configuration snapshot. It is loaded once at startup and handed to
// components as typed values; nothing reads the environment afterwards.
type Config struct {
	BotToken        string `mapstructure:"BOT_TOKEN"`
	AdminIDsRaw     string `mapstructure:"ADMIN_IDS"`
	DefaultLanguage string `mapstructure:"DEFAULT_LANGUAGE"`

	PostgresDSN           string `mapstructure:"POSTGRES_DSN"`
	RedisAddr             string `mapstructure:"REDIS_ADDR"`
	RedisPassword         string `mapstructure:"REDIS_PASSWORD"`
	RedisDB               int    `mapstructure:"REDIS_DB"`
	RedisPrefix           string `mapstructure:"REDIS_PREFIX"`
	DeliveryCacheTTLHours int    `mapstructure:"DELIVERY_CACHE_TTL_HOURS"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange      string `mapstructure:"RABBITMQ_EXCHANGE"`

	ServerPort     string `mapstructure:"SERVER_PORT"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	PanelAPIURL          string `mapstructure:"PANEL_API_URL"`
	PanelAPIKey          string `mapstructure:"PANEL_API_KEY"`
	PanelTimeoutSeconds  int    `mapstructure:"PANEL_TIMEOUT_SECONDS"`
	PanelPushMaxAttempts int    `mapstructure:"PANEL_PUSH_MAX_ATTEMPTS"`
	PanelPushBaseDelayMS int    `mapstructure:"PANEL_PUSH_BASE_DELAY_MS"`
	PanelWorkers         int    `mapstructure:"PANEL_WORKERS"`
	PanelQueueSize       int    `mapstructure:"PANEL_QUEUE_SIZE"`

	UserTrafficLimitGB float64 `mapstructure:"USER_TRAFFIC_LIMIT_GB"`
	UserSquadUUIDsRaw  string  `mapstructure:"USER_SQUAD_UUIDS"`

	TrialEnabled        bool    `mapstructure:"TRIAL_ENABLED"`
	TrialDurationDays   int     `mapstructure:"TRIAL_DURATION_DAYS"`
	TrialTrafficLimitGB float64 `mapstructure:"TRIAL_TRAFFIC_LIMIT_GB"`
	ReferralOnTrial     bool    `mapstructure:"REFERRAL_ON_TRIAL"`

	NotifyDaysBeforeRaw string `mapstructure:"NOTIFY_DAYS_BEFORE"`
	NotifyOnExpire      bool   `mapstructure:"NOTIFY_ON_EXPIRE"`
	ExpiredLookbackDays int    `mapstructure:"EXPIRED_LOOKBACK_DAYS"`
	ExpiryScanSchedule  string `mapstructure:"EXPIRY_SCAN_SCHEDULE"`
	ReconcileSchedule   string `mapstructure:"RECONCILE_SCHEDULE"`

	TributeEnabled        bool   `mapstructure:"TRIBUTE_ENABLED"`
	TributeAPIKey         string `mapstructure:"TRIBUTE_API_KEY"`
	CryptoPayEnabled      bool   `mapstructure:"CRYPTOPAY_ENABLED"`
	CryptoPayToken        string `mapstructure:"CRYPTOPAY_TOKEN"`
	CryptoPayNetwork      string `mapstructure:"CRYPTOPAY_NETWORK"`
	YooKassaEnabled       bool   `mapstructure:"YOOKASSA_ENABLED"`
	YooKassaTrustForward  bool   `mapstructure:"YOOKASSA_TRUST_FORWARDED_FOR"`
	YooKassaShopID        string `mapstructure:"YOOKASSA_SHOP_ID"`
	YooKassaSecretKey     string `mapstructure:"YOOKASSA_SECRET_KEY"`
	YooKassaReturnURL     string `mapstructure:"YOOKASSA_RETURN_URL"`
	YooKassaReceiptEmail  string `mapstructure:"YOOKASSA_DEFAULT_RECEIPT_EMAIL"`
	CheckoutTimeoutSecs   int    `mapstructure:"CHECKOUT_TIMEOUT_SECONDS"`
	StarsEnabled          bool   `mapstructure:"STARS_ENABLED"`
	DefaultCurrencySymbol string `mapstructure:"DEFAULT_CURRENCY_SYMBOL"`

	RubPrice1Month   int `mapstructure:"RUB_PRICE_1_MONTH"`
	RubPrice3Months  int `mapstructure:"RUB_PRICE_3_MONTHS"`
	RubPrice6Months  int `mapstructure:"RUB_PRICE_6_MONTHS"`
	RubPrice12Months int `mapstructure:"RUB_PRICE_12_MONTHS"`

	StarsPrice1Month   int `mapstructure:"STARS_PRICE_1_MONTH"`
	StarsPrice3Months  int `mapstructure:"STARS_PRICE_3_MONTHS"`
	StarsPrice6Months  int `mapstructure:"STARS_PRICE_6_MONTHS"`
	StarsPrice12Months int `mapstructure:"STARS_PRICE_12_MONTHS"`

	ReferralInviter1Month   int `mapstructure:"REFERRAL_BONUS_DAYS_1_MONTH"`
	ReferralInviter3Months  int `mapstructure:"REFERRAL_BONUS_DAYS_3_MONTHS"`
	ReferralInviter6Months  int `mapstructure:"REFERRAL_BONUS_DAYS_6_MONTHS"`
	ReferralInviter12Months int `mapstructure:"REFERRAL_BONUS_DAYS_12_MONTHS"`
	ReferralReferee1Month   int `mapstructure:"REFEREE_BONUS_DAYS_1_MONTH"`
	ReferralReferee3Months  int `mapstructure:"REFEREE_BONUS_DAYS_3_MONTHS"`
	ReferralReferee6Months  int `mapstructure:"REFEREE_BONUS_DAYS_6_MONTHS"`
	ReferralReferee12Months int `mapstructure:"REFEREE_BONUS_DAYS_12_MONTHS"`
}

var defaults = map[string]any{
	"DEFAULT_LANGUAGE":              "ru",
	"REDIS_PREFIX":                  "vpnshop",
	"DELIVERY_CACHE_TTL_HOURS":      24,
	"RABBITMQ_EXCHANGE":             "subscription_events",
	"SERVER_PORT":                   "8080",
	"PANEL_TIMEOUT_SECONDS":         10,
	"PANEL_PUSH_MAX_ATTEMPTS":       5,
	"PANEL_PUSH_BASE_DELAY_MS":      500,
	"PANEL_WORKERS":                 4,
	"PANEL_QUEUE_SIZE":              256,
	"TRIAL_ENABLED":                 true,
	"TRIAL_DURATION_DAYS":           3,
	"TRIAL_TRAFFIC_LIMIT_GB":        5.0,
	"NOTIFY_DAYS_BEFORE":            "3,1",
	"NOTIFY_ON_EXPIRE":              true,
	"EXPIRED_LOOKBACK_DAYS":         3,
	"EXPIRY_SCAN_SCHEDULE":          "*/30 * * * *",
	"RECONCILE_SCHEDULE":            "*/15 * * * *",
	"STARS_ENABLED":                 true,
	"CRYPTOPAY_NETWORK":             "mainnet",
	"CHECKOUT_TIMEOUT_SECONDS":      15,
	"DEFAULT_CURRENCY_SYMBOL":       "RUB",
	"REFERRAL_BONUS_DAYS_1_MONTH":   3,
	"REFERRAL_BONUS_DAYS_3_MONTHS":  7,
	"REFERRAL_BONUS_DAYS_6_MONTHS":  15,
	"REFERRAL_BONUS_DAYS_12_MONTHS": 30,
	"REFEREE_BONUS_DAYS_1_MONTH":    1,
	"REFEREE_BONUS_DAYS_3_MONTHS":   3,
	"REFEREE_BONUS_DAYS_6_MONTHS":   7,
	"REFEREE_BONUS_DAYS_12_MONTHS":  15,
}

var envKeys = []string{
	"BOT_TOKEN", "ADMIN_IDS", "POSTGRES_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"RABBITMQ_URL", "ADMIN_JWT_SECRET", "PANEL_API_URL", "PANEL_API_KEY",
	"USER_TRAFFIC_LIMIT_GB", "USER_SQUAD_UUIDS", "REFERRAL_ON_TRIAL",
	"TRIBUTE_ENABLED", "TRIBUTE_API_KEY", "CRYPTOPAY_ENABLED", "CRYPTOPAY_TOKEN",
	"YOOKASSA_ENABLED", "YOOKASSA_TRUST_FORWARDED_FOR", "YOOKASSA_SHOP_ID", "YOOKASSA_SECRET_KEY",
	"YOOKASSA_RETURN_URL", "YOOKASSA_DEFAULT_RECEIPT_EMAIL",
	"RUB_PRICE_1_MONTH", "RUB_PRICE_3_MONTHS", "RUB_PRICE_6_MONTHS", "RUB_PRICE_12_MONTHS",
	"STARS_PRICE_1_MONTH", "STARS_PRICE_3_MONTHS", "STARS_PRICE_6_MONTHS", "STARS_PRICE_12_MONTHS",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.AutomaticEnv()

	// Keys without defaults must be bound explicitly to appear in Unmarshal.
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.BotToken) == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.TributeEnabled && c.TributeAPIKey == "" {
		errs = append(errs, errors.New("TRIBUTE_API_KEY is required when TRIBUTE_ENABLED"))
	}
	if c.CryptoPayEnabled && c.CryptoPayToken == "" {
		errs = append(errs, errors.New("CRYPTOPAY_TOKEN is required when CRYPTOPAY_ENABLED"))
	}
	if c.YooKassaEnabled && (c.YooKassaShopID == "" || c.YooKassaSecretKey == "") {
		errs = append(errs, errors.New("YOOKASSA_SHOP_ID and YOOKASSA_SECRET_KEY are required when YOOKASSA_ENABLED"))
	}
	if n := strings.ToLower(c.CryptoPayNetwork); n != "mainnet" && n != "testnet" {
		errs = append(errs, fmt.Errorf("CRYPTOPAY_NETWORK: unknown network %q", c.CryptoPayNetwork))
	}
	if _, err := c.NotifyThresholds(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AdminIDs(); err != nil {
		errs = append(errs, err)
	}
	if c.TrialDurationDays <= 0 {
		errs = append(errs, errors.New("TRIAL_DURATION_DAYS must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) AdminIDs() ([]int64, error) {
	var ids []int64
	for _, part := range splitList(c.AdminIDsRaw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS: invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NotifyThresholds returns the distinct positive day thresholds, largest first.
func (c *Config) NotifyThresholds() ([]int, error) {
	seen := map[int]bool{}
	var out []int
	for _, part := range splitList(c.NotifyDaysBeforeRaw) {
		days, err := strconv.Atoi(part)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("NOTIFY_DAYS_BEFORE: invalid threshold %q", part)
		}
		if !seen[days] {
			seen[days] = true
			out = append(out, days)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

func (c *Config) SquadUUIDs() []string {
	return splitList(c.UserSquadUUIDsRaw)
}

func (c *Config) UserTrafficLimitBytes() int64 {
	return gbToBytes(c.UserTrafficLimitGB)
}

func (c *Config) TrialTrafficLimitBytes() int64 {
	return gbToBytes(c.TrialTrafficLimitGB)
}

func (c *Config) PanelTimeout() time.Duration {
	return time.Duration(c.PanelTimeoutSeconds) * time.Second
}

func (c *Config) PanelPushBaseDelay() time.Duration {
	return time.Duration(c.PanelPushBaseDelayMS) * time.Millisecond
}

func (c *Config) CheckoutTimeout() time.Duration {
	return time.Duration(c.CheckoutTimeoutSecs) * time.Second
}

func (c *Config) CryptoPayTestnet() bool {
	return strings.EqualFold(c.CryptoPayNetwork, "testnet")
}

func (c *Config) DeliveryCacheTTL() time.Duration {
	return time.Duration(c.DeliveryCacheTTLHours) * time.Hour
}

// Prices returns the configured price of each plan length in months, per currency. Plans without a
// price are not offered.
func (c *Config) Prices() map[string]map[int]decimal.Decimal {
	out := map[string]map[int]decimal.Decimal{
		"RUB": monthTable(c.RubPrice1Month, c.RubPrice3Months, c.RubPrice6Months, c.RubPrice12Months),
		"XTR": monthTable(c.StarsPrice1Month, c.StarsPrice3Months, c.StarsPrice6Months, c.StarsPrice12Months),
	}
	for currency, table := range out {
		if len(table) == 0 {
			delete(out, currency)
		}
	}
	return out
}

func (c *Config) ReferralInviterDays() map[int]int {
	return daysTable(c.ReferralInviter1Month, c.ReferralInviter3Months, c.ReferralInviter6Months, c.ReferralInviter12Months)
}

func (c *Config) ReferralRefereeDays() map[int]int {
	return daysTable(c.ReferralReferee1Month, c.ReferralReferee3Months, c.ReferralReferee6Months, c.ReferralReferee12Months)
}

var planMonths = [4]int{1, 3, 6, 12}

func monthTable(values ...int) map[int]decimal.Decimal {
	out := map[int]decimal.Decimal{}
	for i, v := range values {
		if v > 0 {
			out[planMonths[i]] = decimal.NewFromInt(int64(v))
		}
	}
	return out
}

func daysTable(values ...int) map[int]int {
	out := map[int]int{}
	for i, v := range values {
		if v > 0 {
			out[planMonths[i]] = v
		}
	}
	return out
}

func gbToBytes(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(gb * bytesPerGB)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
