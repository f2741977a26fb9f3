package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points entry.Caller at the first frame outside logrus and this
// package, since the Entry wrappers would otherwise be reported.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(entry *logrus.Entry) error {
	var pcs [24]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			return nil
		}
		if !internalFrame(frame) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(f runtime.Frame) bool {
	if strings.Contains(f.Function, "sirupsen/logrus") {
		return true
	}
	return strings.HasPrefix(f.Function, "ratesflow/logger.") && !strings.HasSuffix(f.File, "_test.go")
}
