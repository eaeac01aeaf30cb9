package adapter

import (
	"context"

	"skillhub/internal/api"
	"skillhub/pkg/logging"
)

// SystemLogger is the built-in soft adapter behind the system.logger class.
// Its Process logs the payload and confirms with {"logged": true}. It is used
// by the seed skills and as a harmless dependency target in tests.
type SystemLogger struct {
	level logging.LogLevel
}

// Initialize reads the optional "level" key from the configuration.
func (l *SystemLogger) Initialize(ctx context.Context, config map[string]interface{}) error {
	l.level = logging.LevelInfo
	if name, ok := config["level"].(string); ok {
		level, err := logging.ParseLevel(name)
		if err != nil {
			return err
		}
		l.level = level
	}
	return nil
}

func (l *SystemLogger) Start(ctx context.Context) error { return nil }

// Process logs the input payload and returns a confirmation map.
func (l *SystemLogger) Process(ctx context.Context, input map[string]interface{}, ec *api.ExecutionContext) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.WrapError(api.CodeCancelled, err, "logger cancelled")
	}
	switch l.level {
	case logging.LevelDebug:
		logging.Debug("SystemLogger", "execution=%s payload=%v", ec.ExecutionID, input)
	default:
		logging.Info("SystemLogger", "execution=%s payload=%v", ec.ExecutionID, input)
	}
	return map[string]interface{}{"logged": true}, nil
}

func (l *SystemLogger) Stop(ctx context.Context) error    { return nil }
func (l *SystemLogger) Cleanup(ctx context.Context) error { return nil }

func (l *SystemLogger) HealthCheck(ctx context.Context) (*api.HealthReport, error) {
	return &api.HealthReport{IsHealthy: true, Status: "running"}, nil
}
