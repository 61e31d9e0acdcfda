package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mentorium/billing/internal/log"
	"github.com/pkg/errors"
)

type Config struct {
	Env     string     `yaml:"env" env:"ENV" env-default:"production" env-description:"Environment name (production, staging, local)"`
	Logger  log.Config `yaml:"logger"`
	Billing Billing    `yaml:"billing"`
}

type Billing struct {
	Web       Web       `yaml:"web"`
	Internal  Internal  `yaml:"internal"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Journal   Journal   `yaml:"journal"`
	Stripe    Stripe    `yaml:"stripe"`
	Scheduler Scheduler `yaml:"scheduler"`
	Email     Email     `yaml:"email"`
}

type Web struct {
	Address        string   `yaml:"address" env:"WEB_ADDRESS" env-default:"0.0.0.0:8085" env-description:"HTTP listen address"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"WEB_ALLOWED_ORIGINS" env-separator:"," env-description:"CORS allowed origins"`
	BodyLimit      string   `yaml:"body_limit" env:"WEB_BODY_LIMIT" env-default:"1M" env-description:"Max request body size"`
}

type Internal struct {
	Enabled bool   `yaml:"enabled" env:"INTERNAL_API_ENABLED" env-default:"true" env-description:"Enables internal (operator) API"`
	Token   string `yaml:"token" env:"INTERNAL_API_TOKEN" env-description:"Bearer token guarding the internal API"`
}

type Postgres struct {
	DataSource     string `yaml:"data_source" env:"POSTGRES_DATA_SOURCE" env-description:"PostgreSQL connection string"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"POSTGRES_MIGRATE_ON_START" env-default:"true" env-description:"Applies migrations on service start"`
}

type Redis struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS" env-description:"Redis address for the entitlement summary mirror. In-memory mirror when empty"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-description:"Redis password"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0" env-description:"Redis database index"`
}

type Journal struct {
	Path      string        `yaml:"path" env:"JOURNAL_PATH" env-default:"billing-journal.db" env-description:"Path to the webhook event journal file"`
	Retention time.Duration `yaml:"retention" env:"JOURNAL_RETENTION" env-default:"720h" env-description:"How long processed event ids are retained"`
}

type Stripe struct {
	SecretKey     string `yaml:"secret_key" env:"STRIPE_SECRET_KEY" env-description:"Stripe API secret key"`
	WebhookSecret string `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET" env-description:"Stripe webhook signing secret"`
	SuccessURL    string `yaml:"success_url" env:"STRIPE_SUCCESS_URL" env-description:"Redirect URL after successful checkout"`
	CancelURL     string `yaml:"cancel_url" env:"STRIPE_CANCEL_URL" env-description:"Redirect URL after abandoned checkout"`
}

type Scheduler struct {
	Enabled bool `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true" env-description:"Enables background jobs"`
}

type Email struct {
	Enabled  bool   `yaml:"enabled" env:"EMAIL_ENABLED" env-default:"false" env-description:"Enables billing notice emails"`
	Host     string `yaml:"host" env:"EMAIL_HOST" env-description:"SMTP host"`
	Port     int    `yaml:"port" env:"EMAIL_PORT" env-default:"587" env-description:"SMTP port"`
	Username string `yaml:"username" env:"EMAIL_USERNAME" env-description:"SMTP username"`
	Password string `yaml:"password" env:"EMAIL_PASSWORD" env-description:"SMTP password"`
	From     string `yaml:"from" env:"EMAIL_FROM" env-description:"Sender address for billing notices"`
}

// New reads configuration from the provided yaml file, then overrides it with
// environment variables. An empty path means env-only configuration.
func New(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "unable to read config file %q", configPath)
		}

		return cfg, nil
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to read config from environment")
	}

	return cfg, nil
}

// Description renders a help message listing every supported env variable.
func Description() (string, error) {
	return cleanenv.GetDescription(&Config{}, nil)
}
