package maxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// Adjust sets GOMAXPROCS to match the cgroup CPU quota.
// The returned function restores the previous value.
func Adjust(l *zap.Logger) func() {
	sugar := l.Named("maxprocs").Sugar()
	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Debugf))
	if err != nil {
		l.Warn("Failed to set GOMAXPROCS", zap.Error(err))
		return func() {}
	}
	return undo
}
