package dawtempo

import "go.uber.org/zap"

// logger is package-scoped, the same way the teacher's tools called the
// stdlib log package directly rather than threading a logger through every
// function signature. Warnings logged here correspond to InconsistentState
// recoveries: the orphan event is dropped (or given a best-effort default)
// and parsing continues.
var logger = func() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder/sink config,
		// which can't happen with the defaults used here.
		l = zap.NewNop()
	}
	return l.Sugar()
}()

// SetLogLevel swaps the package logger for one at the requested level.
// Unrecognized levels fall back to the current logger unchanged.
func SetLogLevel(level string) {
	var zl zap.AtomicLevel
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zl
	built, err := cfg.Build()
	if err != nil {
		return
	}
	logger = built.Sugar()
}

func warnInconsistentState(filename, parseID, detail string, args ...interface{}) {
	logger.Warnw(detail, append([]interface{}{"file", filename, "parse", parseID}, args...)...)
}
