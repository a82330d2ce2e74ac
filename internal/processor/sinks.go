package processor

import (
	"fmt"

	"logship/internal/config"
	"logship/internal/dispatcher"
	"logship/internal/kafka"
	"logship/internal/layout"
	"logship/internal/sink"
	"logship/internal/sink/file"
	"logship/internal/sink/mail"
	"logship/internal/sink/network"
	"logship/internal/storage"
)

// buildSink creates the sink described by sc
func buildSink(sc config.SinkConfig) (sink.Sink, error) {
	switch sc.Type {
	case config.SinkFile:
		return file.NewFromMap(sc.Name, sc.Options)
	case config.SinkNetwork:
		return network.NewFromMap(sc.Name, sc.Options)
	case config.SinkKafka:
		return kafka.NewFromMap(sc.Name, sc.Options)
	case config.SinkPebble:
		return storage.NewFromMap(sc.Name, sc.Options)
	case config.SinkMail:
		return mail.NewFromMap(sc.Name, sc.Options)
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}

// buildDispatchers creates one dispatcher per configured sink. Nothing is
// started yet.
func buildDispatchers(cfg *config.Config) ([]*dispatcher.Dispatcher, error) {
	out := make([]*dispatcher.Dispatcher, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		s, err := buildSink(sc)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.Name, err)
		}

		dc, err := cfg.DispatcherFor(sc)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.Name, err)
		}

		var key *layout.Layout
		if sc.Key != "" {
			key, err = layout.Compile(sc.Key)
			if err != nil {
				return nil, fmt.Errorf("sink %s: key: %w", sc.Name, err)
			}
		}

		d, err := dispatcher.New(s, key, dc)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}
