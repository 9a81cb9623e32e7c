package main

import (
	"context"

	"github.com/FastyrAI/TuringAgents/pkg/config"
	"github.com/FastyrAI/TuringAgents/queue"
	"github.com/FastyrAI/TuringAgents/queue/adapters/amqp"
	"github.com/FastyrAI/TuringAgents/queue/store/postgres"
)

func loadEnvConfig() (queue.EnvConfig, error) {
	var cfg queue.EnvConfig
	if err := config.Load(&cfg); err != nil {
		return cfg, newConfigError(err)
	}
	return cfg, nil
}

func dialBroker(ctx context.Context, cfg queue.EnvConfig) (*amqp.Broker, error) {
	dsn, err := queue.ParseDSN(cfg.BrokerURL)
	if err != nil {
		return nil, newConfigError(err)
	}
	b, err := amqp.New(amqp.Config{URL: dsn.AMQPURL(), Prefetch: cfg.WorkerPrefetch}, log)
	if err != nil {
		return nil, newBrokerError(err)
	}
	return b, nil
}

func dialStore(ctx context.Context, cfg queue.EnvConfig) (*postgres.Store, error) {
	s, err := postgres.New(ctx, cfg.EventStoreURL)
	if err != nil {
		return nil, newStoreError(err)
	}
	return s, nil
}

// buildRuntime wires a dialed broker/store pair into a Runtime using
// the §4.5/§4.6/§4.7 defaults. Of EnvConfig it applies only
// MetricsPort; the other tunables keep those defaults.
func buildRuntime(broker queue.Broker, store queue.Store, cfg queue.EnvConfig) *queue.Runtime {
	eventLog := queue.DefaultEventLogConfig()
	backpressure := queue.DefaultBackpressureConfig()
	promotion := queue.DefaultPromotionThresholds()

	return queue.NewRuntime(queue.RuntimeConfig{
		Broker:              broker,
		Store:               store,
		Log:                 log,
		MetricsPort:         cfg.MetricsPort,
		EventLog:            eventLog,
		Backpressure:        backpressure,
		PromotionThresholds: promotion,
	})
}
