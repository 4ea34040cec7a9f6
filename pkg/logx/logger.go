package logx

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin structured-logging facade over logrus. Call sites pass
// alternating key/value pairs, or a single map[string]interface{}.
type Logger struct {
	entry     *logrus.Entry
	component string
}

// NewLogger creates a logger for a component at the given level
// ("trace", "debug", "info", "warn", "error"). Unknown levels fall back
// to info.
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to the given sink
func NewLoggerWithOutput(level, component string, out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry, component: component}
}

// WithComponent returns a child logger tagged with a sub-component name
func (lg *Logger) WithComponent(name string) *Logger {
	return &Logger{
		entry:     lg.entry.WithField("component", name),
		component: name,
	}
}

// fields normalizes variadic arguments into logrus fields. A single map
// argument is used directly; otherwise arguments are read as key/value
// pairs, with a dangling key logged under "arg".
func fields(kv []interface{}) logrus.Fields {
	out := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = v
			}
			return out
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		out["arg"] = kv[len(kv)-1]
	}
	return out
}

func (lg *Logger) Trace(msg string, kv ...interface{}) {
	lg.entry.WithFields(fields(kv)).Trace(msg)
}

func (lg *Logger) Debug(msg string, kv ...interface{}) {
	lg.entry.WithFields(fields(kv)).Debug(msg)
}

func (lg *Logger) Info(msg string, kv ...interface{}) {
	lg.entry.WithFields(fields(kv)).Info(msg)
}

func (lg *Logger) Warn(msg string, kv ...interface{}) {
	lg.entry.WithFields(fields(kv)).Warn(msg)
}

func (lg *Logger) Error(msg string, kv ...interface{}) {
	lg.entry.WithFields(fields(kv)).Error(msg)
}

// LogDebugVerbose logs a named event with a field map at debug level.
// Used for high-volume diagnostics that are cheap to filter by event name.
func (lg *Logger) LogDebugVerbose(event string, f map[string]interface{}) {
	lg.entry.WithFields(logrus.Fields(f)).WithField("event", event).Debug(event)
}

// SetLevel changes the level at runtime
func (lg *Logger) SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	lg.entry.Logger.SetLevel(lvl)
}
