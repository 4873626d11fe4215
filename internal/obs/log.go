package obs

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared JSON logger. The level defaults to info until
// SetLevel is called with the configured value.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel applies the configured log level; unparseable values keep info.
func SetLevel(level string) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		Logger().Warnf("unknown log level %q, keeping info", level)
		return
	}
	Logger().SetLevel(l)
}
