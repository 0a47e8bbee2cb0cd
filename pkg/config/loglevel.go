package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevels lists the names accepted for log_level and BIGFS_LOG_LEVEL.
const LogLevels = "trace, debug, info, warn, error, disabled"

// ParseLogLevel maps a log_level value onto a zerolog level. It accepts
// zerolog's own names plus "warning", "off" and "none".
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	case "":
		return zerolog.InfoLevel, nil
	default:
		l, err := zerolog.ParseLevel(name)
		if err != nil || l == zerolog.NoLevel {
			return zerolog.NoLevel, fmt.Errorf("invalid log level %q: must be one of: %s", level, LogLevels)
		}
		return l, nil
	}
}
