// Package config loads runtime configuration from the environment (and an
// optional config file) using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PubsubAdapter selects the Message Bus and Call Registry backing store.
type PubsubAdapter string

const (
	AdapterStreams  PubsubAdapter = "streams"
	AdapterInMemory PubsubAdapter = "in_memory"
)

// IngestAuthMode selects how the telephony WebSocket endpoint authenticates
// inbound connections.
type IngestAuthMode string

const (
	AuthIPAllowlist IngestAuthMode = "ip_allowlist"
	AuthBasic       IngestAuthMode = "basic"
	AuthBearerJWT   IngestAuthMode = "bearer_jwt"
)

// AppConfig is the fully-resolved configuration for the pipeline binary.
type AppConfig struct {
	// Bus / registry
	RedisURL            string
	PubsubAdapter       PubsubAdapter
	RedisConsumerGroup  string
	TranscriptTopicSize int64
	AudioStreamTTL      time.Duration

	// Call registry
	CallTTL       time.Duration
	EndedCallTTL  time.Duration

	// Ingest gateway
	IngestAddr        string
	IngestAuthMode    IngestAuthMode
	IngestAllowedIPs  []string
	IngestBasicUser   string
	IngestBasicPass   string
	JWTPublicKeyPEM   string
	IdleTimeout       time.Duration
	AckEveryNFrames   int

	// ASR worker
	ASRProvider          string
	ASRVendorURL         string
	ASRVendorAPIKey      string
	ASRConsumerName      string
	BufferWindow         time.Duration
	IdleTeardown         time.Duration
	MaxReconnects        int
	AmplifyTelephonyGain float64
	AmplifyEnabled       bool
	ASRReclaimInterval   time.Duration
	ASRReclaimMinIdle    time.Duration

	// Fan-out
	FanoutAddr             string
	DiscoveryInterval      time.Duration
	SubscriptionGrace      time.Duration
	SSEHeartbeat           time.Duration
	SSEQueueSize           int
	FanoutReclaimInterval  time.Duration
	FanoutReclaimMinIdle   time.Duration

	// Observability
	MetricsAddr string
	LogFilePath string
	Development bool
}

// Load reads configuration from environment variables and, when path is
// non-empty, a config file; environment variables take precedence over
// values from the file. Unset keys fall back to the platform's defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	v.SetDefault("PUBSUB_ADAPTER", string(AdapterStreams))
	v.SetDefault("REDIS_CONSUMER_GROUP", "asr-workers")
	v.SetDefault("TRANSCRIPT_TOPIC_SIZE", 100)
	v.SetDefault("AUDIO_STREAM_TTL_MIN", 10)
	v.SetDefault("CALL_TTL_SEC", 3600)
	v.SetDefault("ENDED_CALL_TTL_SEC", 300)
	v.SetDefault("INGEST_ADDR", ":8081")
	v.SetDefault("INGEST_AUTH_MODE", string(AuthIPAllowlist))
	v.SetDefault("IDLE_TIMEOUT_SEC", 60)
	v.SetDefault("ACK_EVERY_N_FRAMES", 25)
	v.SetDefault("ASR_PROVIDER", "generic")
	v.SetDefault("ASR_CONSUMER_NAME", "asr-worker")
	v.SetDefault("BUFFER_WINDOW_MS", 300)
	v.SetDefault("IDLE_TEARDOWN_SEC", 30)
	v.SetDefault("MAX_RECONNECTS", 5)
	v.SetDefault("AMPLIFY_GAIN", 2.0)
	v.SetDefault("AMPLIFY_ENABLED", false)
	v.SetDefault("ASR_RECLAIM_INTERVAL_SEC", 30)
	v.SetDefault("ASR_RECLAIM_MIN_IDLE_SEC", 60)
	v.SetDefault("FANOUT_ADDR", ":8082")
	v.SetDefault("DISCOVERY_INTERVAL_MS", 5000)
	v.SetDefault("SUBSCRIPTION_GRACE_SEC", 60)
	v.SetDefault("SSE_HEARTBEAT_SEC", 15)
	v.SetDefault("SSE_QUEUE_SIZE", 256)
	v.SetDefault("FANOUT_RECLAIM_INTERVAL_SEC", 30)
	v.SetDefault("FANOUT_RECLAIM_MIN_IDLE_SEC", 60)
	v.SetDefault("METRICS_ADDR", ":9090")

	cfg := &AppConfig{
		RedisURL:             v.GetString("REDIS_URL"),
		PubsubAdapter:        PubsubAdapter(v.GetString("PUBSUB_ADAPTER")),
		RedisConsumerGroup:   v.GetString("REDIS_CONSUMER_GROUP"),
		TranscriptTopicSize:  v.GetInt64("TRANSCRIPT_TOPIC_SIZE"),
		AudioStreamTTL:       time.Duration(v.GetInt64("AUDIO_STREAM_TTL_MIN")) * time.Minute,
		CallTTL:              time.Duration(v.GetInt64("CALL_TTL_SEC")) * time.Second,
		EndedCallTTL:         time.Duration(v.GetInt64("ENDED_CALL_TTL_SEC")) * time.Second,
		IngestAddr:           v.GetString("INGEST_ADDR"),
		IngestAuthMode:       IngestAuthMode(v.GetString("INGEST_AUTH_MODE")),
		IngestAllowedIPs:     v.GetStringSlice("INGEST_ALLOWED_IPS"),
		IngestBasicUser:      v.GetString("INGEST_BASIC_USER"),
		IngestBasicPass:      v.GetString("INGEST_BASIC_PASS"),
		JWTPublicKeyPEM:      v.GetString("JWT_PUBLIC_KEY"),
		IdleTimeout:          time.Duration(v.GetInt64("IDLE_TIMEOUT_SEC")) * time.Second,
		AckEveryNFrames:      v.GetInt("ACK_EVERY_N_FRAMES"),
		ASRProvider:          v.GetString("ASR_PROVIDER"),
		ASRVendorURL:         v.GetString("ASR_VENDOR_URL"),
		ASRVendorAPIKey:      v.GetString("ASR_VENDOR_API_KEY"),
		ASRConsumerName:      v.GetString("ASR_CONSUMER_NAME"),
		BufferWindow:         time.Duration(v.GetInt64("BUFFER_WINDOW_MS")) * time.Millisecond,
		IdleTeardown:         time.Duration(v.GetInt64("IDLE_TEARDOWN_SEC")) * time.Second,
		MaxReconnects:        v.GetInt("MAX_RECONNECTS"),
		AmplifyTelephonyGain: v.GetFloat64("AMPLIFY_GAIN"),
		AmplifyEnabled:       v.GetBool("AMPLIFY_ENABLED"),
		ASRReclaimInterval:   time.Duration(v.GetInt64("ASR_RECLAIM_INTERVAL_SEC")) * time.Second,
		ASRReclaimMinIdle:    time.Duration(v.GetInt64("ASR_RECLAIM_MIN_IDLE_SEC")) * time.Second,
		FanoutAddr:           v.GetString("FANOUT_ADDR"),
		DiscoveryInterval:    time.Duration(v.GetInt64("DISCOVERY_INTERVAL_MS")) * time.Millisecond,
		SubscriptionGrace:    time.Duration(v.GetInt64("SUBSCRIPTION_GRACE_SEC")) * time.Second,
		SSEHeartbeat:         time.Duration(v.GetInt64("SSE_HEARTBEAT_SEC")) * time.Second,
		SSEQueueSize:         v.GetInt("SSE_QUEUE_SIZE"),
		FanoutReclaimInterval: time.Duration(v.GetInt64("FANOUT_RECLAIM_INTERVAL_SEC")) * time.Second,
		FanoutReclaimMinIdle:  time.Duration(v.GetInt64("FANOUT_RECLAIM_MIN_IDLE_SEC")) * time.Second,
		MetricsAddr:          v.GetString("METRICS_ADDR"),
		LogFilePath:          v.GetString("LOG_FILE_PATH"),
		Development:          v.GetBool("DEVELOPMENT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.PubsubAdapter != AdapterStreams && c.PubsubAdapter != AdapterInMemory {
		return fmt.Errorf("config: invalid PUBSUB_ADAPTER %q", c.PubsubAdapter)
	}
	if c.PubsubAdapter == AdapterStreams && c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when PUBSUB_ADAPTER=streams")
	}
	switch c.IngestAuthMode {
	case AuthIPAllowlist, AuthBasic, AuthBearerJWT:
	default:
		return fmt.Errorf("config: invalid INGEST_AUTH_MODE %q", c.IngestAuthMode)
	}
	if c.IngestAuthMode == AuthBearerJWT && c.JWTPublicKeyPEM == "" {
		return fmt.Errorf("config: JWT_PUBLIC_KEY is required when INGEST_AUTH_MODE=bearer_jwt")
	}
	if c.IngestAuthMode == AuthBasic && (c.IngestBasicUser == "" || c.IngestBasicPass == "") {
		return fmt.Errorf("config: INGEST_BASIC_USER/INGEST_BASIC_PASS are required when INGEST_AUTH_MODE=basic")
	}
	return nil
}
