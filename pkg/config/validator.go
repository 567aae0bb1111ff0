package config

import (
	"fmt"
	"strings"
)

// validate performs fail-fast validation on loaded configuration.
func validate(cfg *Config) error {
	if cfg.AMQP.URL == "" {
		return NewValidationError("amqp", "url", ErrMissingRequiredField)
	}
	if !strings.HasPrefix(cfg.AMQP.URL, "amqp://") && !strings.HasPrefix(cfg.AMQP.URL, "amqps://") {
		return NewValidationError("amqp", "url", fmt.Errorf("%w: must start with amqp:// or amqps://", ErrInvalidValue))
	}

	if len(cfg.Database.Nodes) == 0 {
		return NewValidationError("database", "nodes", ErrMissingRequiredField)
	}
	if cfg.Database.Keyspace == "" {
		return NewValidationError("database", "keyspace", ErrMissingRequiredField)
	}

	if cfg.Consumer.DataQueuePrefix == "" {
		return NewValidationError("consumer", "data_queue_prefix", ErrMissingRequiredField)
	}
	if cfg.Consumer.DataQueueCount < 1 {
		return NewValidationError("consumer", "data_queue_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.Consumer.PrefetchCount < 1 {
		return NewValidationError("consumer", "prefetch_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	if cfg.Events.ExchangeName == "" {
		return NewValidationError("events", "exchange_name", ErrMissingRequiredField)
	}
	switch cfg.Events.ExchangeType {
	case "direct", "fanout", "topic", "headers":
	default:
		return NewValidationError("events", "exchange_type", fmt.Errorf("%w: %q is not an AMQP exchange type", ErrInvalidValue, cfg.Events.ExchangeType))
	}

	if cfg.VerneMQ.RPCQueueName == "" {
		return NewValidationError("vernemq", "rpc_queue_name", ErrMissingRequiredField)
	}

	if cfg.API.BindAddress == "" {
		return NewValidationError("api", "bind_address", ErrMissingRequiredField)
	}
	return nil
}
