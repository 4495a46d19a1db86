package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the server needs; FromEnv builds it so main stays
// lean. A local .env file is honored when present.
type Config struct {
	Addr string

	// PostgresDSN selects the durable store; empty means in-memory.
	PostgresDSN string

	// RedisURL backs the import progress tracker; empty means in-memory.
	RedisURL     string
	RedisTimeout time.Duration

	// KafkaBrokers selects the queue transport; empty means the in-process
	// queue (single binary mode).
	KafkaBrokers []string
	KafkaGroup   string

	// QRSecret keys the HMAC behind every derived code id. Changing it
	// changes every id, so treat it as immutable per deployment.
	QRSecret      string
	JWTSigningKey string

	// ArtifactRoot is the object storage root for generated artifacts;
	// ArtifactBaseURL prefixes the access URLs written back onto codes.
	ArtifactRoot    string
	ArtifactBaseURL string

	// ChunkSize bounds rows per import chunk; TxBatchSize bounds writes per
	// atomic sub-batch and must stay inside the store's transaction limit.
	ChunkSize          int
	TxBatchSize        int
	GenerateBatchSize  int
	MaxRetries         int
	AgentTokenLifetime time.Duration
}

func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:               envOr("CHECKPOINT_ADDR", ":8080"),
		PostgresDSN:        os.Getenv("CHECKPOINT_POSTGRES_DSN"),
		RedisURL:           os.Getenv("CHECKPOINT_REDIS_URL"),
		RedisTimeout:       5 * time.Second,
		KafkaGroup:         envOr("CHECKPOINT_KAFKA_GROUP", "checkpoint-pipeline"),
		QRSecret:           envOr("CHECKPOINT_QR_SECRET", "dev-qr-secret-change-in-production"),
		JWTSigningKey:      envOr("CHECKPOINT_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		ArtifactRoot:       envOr("CHECKPOINT_ARTIFACT_ROOT", "qr-data"),
		ArtifactBaseURL:    envOr("CHECKPOINT_ARTIFACT_BASE_URL", "/artifacts"),
		ChunkSize:          envInt("CHECKPOINT_CHUNK_SIZE", 500),
		TxBatchSize:        envInt("CHECKPOINT_TX_BATCH_SIZE", 150),
		GenerateBatchSize:  envInt("CHECKPOINT_GENERATE_BATCH_SIZE", 50),
		MaxRetries:         envInt("CHECKPOINT_MAX_RETRIES", 3),
		AgentTokenLifetime: 12 * time.Hour,
	}
	if brokers := os.Getenv("CHECKPOINT_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
