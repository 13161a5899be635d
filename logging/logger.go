package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.RWMutex
	root = newLogger(os.Stdout, false)
)

func newLogger(out io.Writer, production bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if production {
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// Init configures the process-wide logger.
// Production uses JSON output for log aggregation; otherwise human-readable text.
func Init(production bool) *logrus.Logger {
	logger := newLogger(os.Stdout, production)
	mu.Lock()
	root = logger
	mu.Unlock()
	return logger
}

// SetOutput redirects the process-wide logger, mainly for tests.
func SetOutput(out io.Writer) {
	mu.RLock()
	defer mu.RUnlock()
	root.SetOutput(out)
}

// Logger returns the process-wide logger.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns an entry tagged with the owning module name.
func For(module string) *logrus.Entry {
	return Logger().WithField("module", module)
}
