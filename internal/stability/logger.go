package stability

import (
	"log/slog"
	"sync"

	"github.com/voxmorph/voxmorph-go/internal/logging"
)

var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

// getLogger returns the stability package logger.
func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logging.ForService("stability")
	})
	return serviceLogger
}
