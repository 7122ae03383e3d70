package build

import (
	"io"
	"os"
	"sync"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

// defaultLogLevel is the level assigned to all subsystem loggers until the
// caller overrides it via SetLogLevels.
const defaultLogLevel = btclog.LevelInfo

var (
	// logMtx guards the handler and the set of instantiated subsystem
	// loggers.
	logMtx sync.Mutex

	// rootHandler is the handler backing every subsystem logger created
	// through NewSubLogger.
	rootHandler = btclog.NewDefaultHandler(os.Stdout)

	// subLoggers tracks each subsystem logger by its tag so log levels
	// can be adjusted after the fact.
	subLoggers = make(map[string]btclog.Logger)
)

// SetLogWriter redirects all subsystem log output to w. Loggers created
// before the call keep writing to the previous destination.
func SetLogWriter(w io.Writer) {
	logMtx.Lock()
	defer logMtx.Unlock()

	rootHandler = btclog.NewDefaultHandler(w)
}

// NewSubLogger constructs a logger for the given subsystem tag, backed by the
// process-wide handler. Calling it twice with the same tag returns the same
// logger.
func NewSubLogger(subsystem string) btclog.Logger {
	logMtx.Lock()
	defer logMtx.Unlock()

	if logger, ok := subLoggers[subsystem]; ok {
		return logger
	}

	logger := btclog.NewSLogger(rootHandler).SubSystem(subsystem)
	logger.SetLevel(defaultLogLevel)
	subLoggers[subsystem] = logger

	return logger
}

// SetLogLevels applies the passed level to every registered subsystem logger.
func SetLogLevels(level btclogv1.Level) {
	logMtx.Lock()
	defer logMtx.Unlock()

	for _, logger := range subLoggers {
		logger.SetLevel(level)
	}
}
