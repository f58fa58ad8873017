package utils

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// LevelLogger is a logger registered under a prefix whose level can be
// changed at runtime.
type LevelLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
}

func (ll *LevelLogger) Level() string {
	return LevelName(ll.level)
}

// LevelName returns a human readable name of level.
func LevelName(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	loggersMu       sync.Mutex
	loggers         = make(map[string]*LevelLogger)
	DefaultLogLevel = log.InfoLevel
)

// ParseLevel converts a level name (debug, info, warn, ...) to log.Level.
func ParseLevel(name string) (log.Level, error) {
	if name == "" {
		return DefaultLogLevel, nil
	}
	l, err := logrus.ParseLevel(name)
	if err != nil {
		return DefaultLogLevel, err
	}
	return log.Level(l), nil
}

// NewLogrusLogger returns the logger registered under prefix, creating it on
// first use.
func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if ll, found := loggers[prefix]; found {
		return ll.Logger.WithPrefix(prefix)
	}
	l := logrus.New()
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	l.SetReportCaller(true)
	logger := log.NewLogrusLogger(l, "main", fields)
	logger.SetLevel(level)
	loggers[prefix] = &LevelLogger{
		Logger: logger,
		level:  level,
	}
	return logger.WithPrefix(prefix)
}

func SetLogLevel(prefix string, level log.Level) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if ll, found := loggers[prefix]; found {
		ll.level = level
		ll.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// SetAllLogLevels applies level to every registered logger.
func SetAllLogLevels(level log.Level) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	DefaultLogLevel = level
	for _, ll := range loggers {
		ll.level = level
		ll.Logger.SetLevel(level)
	}
}

// LoggerPrefixes returns the registered prefixes in sorted order.
func LoggerPrefixes() []string {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	prefixes := make([]string, 0, len(loggers))
	for p := range loggers {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

func GetLogger(prefix string) (*LevelLogger, bool) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	ll, ok := loggers[prefix]
	return ll, ok
}
