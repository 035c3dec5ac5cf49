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

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr           string
	RedisPassword       string
	RedisGeoKey         string
	RedisSearchRadiusKm float64

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	Route    RouteConfig
	Dispatch DispatchConfig
	Tracing  TracingConfig

	NotifyWebhookURL string
	NotifyWebhookKey string

	LogLevel      string
	RunMigrations bool
}

type RouteConfig struct {
	Provider           string
	ORSEndpoint        string
	ORSKey             string
	OSRMEndpoint       string
	GoogleMapsKey      string
	Profile            string
	CallTimeout        time.Duration
	CacheTTL           time.Duration
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

type DispatchConfig struct {
	CandidateLimit int
	Parallelism    int
	MaxAttempts    int
}

// TracingConfig controls span export. An empty OTLPEndpoint keeps spans in
// process (propagation still works).
type TracingConfig struct {
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

// ConsumerConfig is the subset the Kafka consumer needs.
type ConsumerConfig struct {
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string
	KafkaGroup       string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

const (
	ProviderORS      = "ors"
	ProviderOSRM     = "osrm"
	ProviderGoogle   = "google"
	ProviderStraight = "straight"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		RedisSearchRadiusKm: 25,
		KafkaTopic:          "driver-locations",
		KafkaEventsTopic:    "dispatch-events",
		Route: RouteConfig{
			Provider:           ProviderORS,
			ORSEndpoint:        "https://api.openrouteservice.org",
			OSRMEndpoint:       "https://router.project-osrm.org",
			Profile:            "cycling-road",
			CallTimeout:        5 * time.Second,
			CacheTTL:           30 * time.Second,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			CandidateLimit: 10,
			Parallelism:    5,
			MaxAttempts:    3,
		},
		Tracing: TracingConfig{
			ServiceName: "pickup-dispatch",
			SampleRatio: 1,
		},
		LogLevel: "info",
	}
}

// loadDotEnv reads an optional .env file. Variables already present in the
// environment win.
func loadDotEnv() error {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.RedisSearchRadiusKm, "REDIS_SEARCH_RADIUS_KM", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	r := &cfg.Route
	if v := strings.TrimSpace(os.Getenv("ROUTE_PROVIDER")); v != "" {
		r.Provider = strings.ToLower(v)
	}
	setStringFromEnv(&r.ORSEndpoint, "ORS_ENDPOINT")
	r.ORSKey = os.Getenv("OPENROUTE_SERVICE_KEY")
	setStringFromEnv(&r.OSRMEndpoint, "OSRM_ENDPOINT")
	r.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&r.Profile, "ROUTE_PROFILE")
	setDurationFromEnv(&r.CallTimeout, "ROUTE_CALL_TIMEOUT", &errs)
	setDurationFromEnv(&r.CacheTTL, "ROUTE_CACHE_TTL", &errs)
	setIntFromEnv(&r.BreakerFailures, "ROUTE_BREAKER_FAILURES", &errs)
	setDurationFromEnv(&r.BreakerOpenTimeout, "ROUTE_BREAKER_OPEN_TIMEOUT", &errs)

	setIntFromEnv(&cfg.Dispatch.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setIntFromEnv(&cfg.Dispatch.Parallelism, "DISPATCH_PARALLELISM", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)

	cfg.Tracing.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setStringFromEnv(&cfg.Tracing.ServiceName, "OTEL_SERVICE_NAME")
	setFloatFromEnv(&cfg.Tracing.SampleRatio, "OTEL_TRACE_SAMPLE_RATE", &errs)

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.Route.Provider {
	case ProviderORS:
		if c.Route.ORSKey == "" {
			errs = append(errs, fmt.Errorf("OPENROUTE_SERVICE_KEY is required for ROUTE_PROVIDER=ors"))
		}
	case ProviderGoogle:
		if c.Route.GoogleMapsKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required for ROUTE_PROVIDER=google"))
		}
	case ProviderOSRM, ProviderStraight:
	default:
		errs = append(errs, fmt.Errorf("unknown ROUTE_PROVIDER %q", c.Route.Provider))
	}
	if c.Route.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_CALL_TIMEOUT must be > 0"))
	}
	if c.Dispatch.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if c.Dispatch.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_PARALLELISM must be > 0"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACE_SAMPLE_RATE must be within [0,1]"))
	}
	if c.RedisSearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_SEARCH_RADIUS_KM must be > 0"))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "dispatch-events",
		KafkaGroup:       "pickup-dispatch-consumer",
		RedisAddr:        "localhost:6379",
		RedisGeoKey:      "drivers_geo",
		MetricsAddr:      ":2112",
		LogLevel:         "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
