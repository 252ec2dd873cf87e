package logger

import (
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// New returns a zap-backed logger for env, "production" or "development".
// An empty env means production.
func New(env string) (Logger, error) {
	level := sdklogging.LogLevel(env)
	switch level {
	case "":
		level = sdklogging.Production
	case sdklogging.Production, sdklogging.Development:
	default:
		return nil, fmt.Errorf("unknown log environment %q", env)
	}
	return sdklogging.NewZapLogger(level)
}
