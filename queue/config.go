package queue

// EnvConfig mirrors the environment surface named in §6, loaded via
// pkg/config.Load, which layers ilyakaznacheev/cleanenv (.env + process
// env) with go-playground/validator struct-tag validation.
type EnvConfig struct {
	BrokerURL     string `env:"BROKER_URL" validate:"required"`
	EventStoreURL string `env:"EVENT_STORE_URL" validate:"required"`
	EventStoreKey string `env:"EVENT_STORE_KEY"`

	OrgID    string `env:"ORG_ID"`
	AgentID  string `env:"AGENT_ID"`
	AgentIDs string `env:"AGENT_IDS"`

	WorkerPrefetch    int `env:"WORKER_PREFETCH" env-default:"10"`
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" env-default:"10"`

	PromotionIntervalMs int `env:"PROMOTION_INTERVAL_MS" env-default:"1000"`
	PoisonThreshold     int `env:"POISON_THRESHOLD" env-default:"3"`

	MetricsPort int `env:"METRICS_PORT" env-default:"9090"`
}
