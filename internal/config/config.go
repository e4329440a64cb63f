package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/freight-negotiation/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment (or a local .env file) with defaults
// that let the binary run locally against in-memory stores.
type ServerConfig struct {
	Env             string
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	EventsChannel string
	InstanceID    string

	KafkaBrokers       []string
	KafkaTripTopic     string
	KafkaLocationTopic string

	PGDSN      string
	PGMaxConns int32

	BiddingWindow     time.Duration
	NegotiationOpener models.Role
	FinalStagePercent int
	ProximityRadiusM  float64
	PositionMaxAge    time.Duration

	MatcherRadiusM float64
	MatcherTopN    int

	WSAuthSecret    string
	StripeAPIKey    string
	PaymentCurrency string

	LogLevel      string
	RunMigrations bool
}

// DevAuthSecret signs credentials when WS_AUTH_SECRET is unset. It is only
// accepted with APP_ENV=dev.
const DevAuthSecret = "dev-secret"

func defaultServerConfig() ServerConfig {
	host, _ := os.Hostname()
	return ServerConfig{
		Env:                "dev",
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "provider_positions",
		EventsChannel:      "freight:events",
		InstanceID:         host,
		KafkaTripTopic:     "trip-events",
		KafkaLocationTopic: "provider-locations",
		PGMaxConns:         10,
		BiddingWindow:      30 * time.Minute,
		NegotiationOpener:  models.RoleProvider,
		FinalStagePercent:  10,
		ProximityRadiusM:   5000,
		PositionMaxAge:     10 * time.Minute,
		MatcherRadiusM:     50000,
		MatcherTopN:        20,
		WSAuthSecret:       DevAuthSecret,
		PaymentCurrency:    "inr",
		LogLevel:           "info",
	}
}

// newViper reads the process environment and, when present, a .env file in
// the working directory. Environment variables win.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	_ = v.ReadInConfig()
	return v
}

func LoadServerConfig() (ServerConfig, error) {
	return loadServerConfig(newViper())
}

func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if s := strings.TrimSpace(v.GetString("APP_ENV")); s != "" {
		cfg.Env = strings.ToLower(s)
	}
	setString(v, &cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(v.GetString("REDIS_ADDR"))
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setString(v, &cfg.EventsChannel, "REDIS_EVENTS_CHANNEL")
	setString(v, &cfg.InstanceID, "INSTANCE_ID")

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(v, &cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")
	setString(v, &cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")

	cfg.PGDSN = v.GetString("PG_DSN")
	var maxConns int
	if setInt(v, &maxConns, "PG_MAX_CONNS", &errs) {
		cfg.PGMaxConns = int32(maxConns)
	}

	setDuration(v, &cfg.BiddingWindow, "BIDDING_WINDOW", &errs)
	if s := strings.TrimSpace(v.GetString("NEGOTIATION_OPENER")); s != "" {
		cfg.NegotiationOpener = models.Role(s)
	}
	setInt(v, &cfg.FinalStagePercent, "FINAL_STAGE_PERCENT", &errs)
	setFloat(v, &cfg.ProximityRadiusM, "PROXIMITY_RADIUS_M", &errs)
	setDuration(v, &cfg.PositionMaxAge, "POSITION_MAX_AGE", &errs)

	setFloat(v, &cfg.MatcherRadiusM, "MATCHER_RADIUS_M", &errs)
	setInt(v, &cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	setString(v, &cfg.WSAuthSecret, "WS_AUTH_SECRET")
	cfg.StripeAPIKey = v.GetString("STRIPE_API_KEY")
	setString(v, &cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.LogLevel = strings.ToLower(s)
	}
	cfg.RunMigrations = strings.EqualFold(v.GetString("MIGRATE"), "true")

	if cfg.BiddingWindow <= 0 {
		errs = append(errs, fmt.Errorf("BIDDING_WINDOW must be > 0"))
	}
	if !cfg.NegotiationOpener.Valid() {
		errs = append(errs, fmt.Errorf("NEGOTIATION_OPENER must be consumer or provider, got %q", cfg.NegotiationOpener))
	}
	if cfg.FinalStagePercent <= 0 || cfg.FinalStagePercent > 100 {
		errs = append(errs, fmt.Errorf("FINAL_STAGE_PERCENT must be in (0, 100]"))
	}
	if cfg.ProximityRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("PROXIMITY_RADIUS_M must be > 0"))
	}
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.PGMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("PG_MAX_CONNS must be > 0"))
	}
	switch {
	case cfg.WSAuthSecret == "":
		errs = append(errs, fmt.Errorf("WS_AUTH_SECRET must be set"))
	case cfg.WSAuthSecret == DevAuthSecret && cfg.Env != "dev":
		errs = append(errs, fmt.Errorf("WS_AUTH_SECRET must be set when APP_ENV=%s", cfg.Env))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig parameterises the provider-side agent.
type AgentConfig struct {
	APIURL         string
	WSURL          string
	UserID         string
	Role           models.Role
	Token          string
	TripID         string
	HTTPTimeout    time.Duration
	ReportInterval time.Duration
	MinMoveM       float64
	MaxBackoff     time.Duration
	LogLevel       string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		APIURL:         "http://localhost:8080",
		WSURL:          "ws://localhost:8080/ws",
		Role:           models.RoleProvider,
		HTTPTimeout:    10 * time.Second,
		ReportInterval: 5 * time.Second,
		MinMoveM:       25,
		MaxBackoff:     30 * time.Second,
		LogLevel:       "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	return loadAgentConfig(newViper())
}

func loadAgentConfig(v *viper.Viper) (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setString(v, &cfg.APIURL, "AGENT_API_URL")
	setString(v, &cfg.WSURL, "AGENT_WS_URL")
	setString(v, &cfg.UserID, "AGENT_USER_ID")
	if s := strings.TrimSpace(v.GetString("AGENT_ROLE")); s != "" {
		cfg.Role = models.Role(s)
	}
	setString(v, &cfg.Token, "AGENT_TOKEN")
	setString(v, &cfg.TripID, "AGENT_TRIP_ID")
	setDuration(v, &cfg.HTTPTimeout, "AGENT_HTTP_TIMEOUT", &errs)
	setDuration(v, &cfg.ReportInterval, "AGENT_REPORT_INTERVAL", &errs)
	setFloat(v, &cfg.MinMoveM, "AGENT_MIN_MOVE_M", &errs)
	setDuration(v, &cfg.MaxBackoff, "AGENT_RECONNECT_MAX_BACKOFF", &errs)
	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.LogLevel = strings.ToLower(s)
	}

	if cfg.UserID == "" {
		errs = append(errs, fmt.Errorf("AGENT_USER_ID must be set"))
	}
	if cfg.Token == "" {
		errs = append(errs, fmt.Errorf("AGENT_TOKEN must be set"))
	}
	if !cfg.Role.Valid() {
		errs = append(errs, fmt.Errorf("AGENT_ROLE must be consumer or provider, got %q", cfg.Role))
	}
	if cfg.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_REPORT_INTERVAL must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// ConsumerConfig parameterises the location topic consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	LocationTopic string
	GroupID       string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	return loadConsumerConfig(newViper())
}

func loadConsumerConfig(v *viper.Viper) (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		LocationTopic: "provider-locations",
		GroupID:       "freight-location-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "provider_positions",
		LogLevel:      "info",
	}
	setString(v, &cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(v, &cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setString(v, &cfg.GroupID, "KAFKA_GROUP_ID")
	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.LogLevel = strings.ToLower(s)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) bool {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return false
		}
		*target = i
		return true
	}
	return false
}

func setString(v *viper.Viper, target *string, key string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*target = s
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
