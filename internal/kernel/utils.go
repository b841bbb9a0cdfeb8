package kernel

import (
	"hive/internal/logger"
	"os"
)

// SystemLogLevel is the level used by the kernel's own component loggers.
func SystemLogLevel() logger.Level {
	if envLevel := os.Getenv("KERNEL_LOG_LEVEL"); envLevel != "" {
		return logger.ParseLevel(envLevel)
	}
	return logger.ERROR
}
