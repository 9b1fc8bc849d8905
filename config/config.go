package config

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the coordination hub.
type Config struct {
	Port           string        `env:"PORT,default=5000"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	HubQueueSize   int           `env:"HUB_QUEUE_SIZE,default=64"`
	FrameCacheSize int           `env:"FRAME_CACHE_SIZE,default=256"`
	JournalDSN     string        `env:"JOURNAL_DSN"`
	HandoffTimeout time.Duration `env:"HANDOFF_TIMEOUT,default=2m"`
	PingTimeout    time.Duration `env:"SOCKET_PING_TIMEOUT,default=60s"`
	PingInterval   time.Duration `env:"SOCKET_PING_INTERVAL,default=25s"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL,default=gemini-2.5-flash"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_FROM"`
	TwilioTo         string `env:"TWILIO_TO"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT,default=flightforlife.alerts"`

	CertFile string `env:"CERT_FILE"`
	CertKey  string `env:"CERT_KEY"`
}

func (c Config) SMSEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != "" && c.TwilioTo != ""
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
