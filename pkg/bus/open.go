package bus

import (
	"fmt"
	"log/slog"
	"strings"

	"riderpi/pkg/config"
)

// Open builds the transport selected by cfg.Transport.
func Open(cfg config.BusConfig, log *slog.Logger) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "broker":
		client, err := NewClient(ClientOptions{
			PubAddr:   cfg.PubAddr,
			SubAddr:   cfg.SubAddr,
			QueueSize: cfg.QueueSize,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "nats":
		nb, err := DialNATS(cfg.NATSURL, cfg.QueueSize, log)
		if err != nil {
			return nil, err
		}
		return nb, nil
	case "local":
		return NewMessageBus(cfg.QueueSize), nil
	default:
		return nil, NewError(ErrorConfiguration, fmt.Sprintf("unsupported transport %q", cfg.Transport))
	}
}
