package log

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"strings"
)

// logControlCharReplacer escapes control characters that can forge log entries (CWE-117).
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger writes events through the standard library logger.
//
// Messages and string field values are sanitized against log injection.
type GoLogger struct {
	Level  Level
	out    *stdlog.Logger
	fields []Field
	group  string
}

// NewGoLogger returns a GoLogger emitting events at or above level to stderr.
func NewGoLogger(level Level) *GoLogger {
	return &GoLogger{
		Level: level,
		out:   stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.LUTC),
	}
}

// NewGoLoggerWithOutput returns a GoLogger writing through out.
func NewGoLoggerWithOutput(level Level, out *stdlog.Logger) *GoLogger {
	if out == nil {
		return NewGoLogger(level)
	}

	return &GoLogger{Level: level, out: out}
}

// Enabled reports whether level is within the configured verbosity.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Log formats and writes a single event.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	l.writer().Print(l.render(level, msg, fields))
}

// With returns a child logger carrying fields on every event.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return NewNop()
	}

	child := l.clone()
	child.fields = append(child.fields, l.qualify(fields)...)

	return child
}

// WithGroup namespaces subsequent field keys under name.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	if l == nil {
		return NewNop()
	}

	child := l.clone()

	name = strings.TrimSpace(name)
	if name == "" {
		return child
	}

	if child.group != "" {
		child.group = child.group + "." + name
	} else {
		child.group = name
	}

	return child
}

// Sync is a no-op: the standard logger writes synchronously.
func (l *GoLogger) Sync(_ context.Context) error { return nil }

func (l *GoLogger) clone() *GoLogger {
	fields := make([]Field, len(l.fields))
	copy(fields, l.fields)

	return &GoLogger{Level: l.Level, out: l.out, fields: fields, group: l.group}
}

func (l *GoLogger) writer() *stdlog.Logger {
	if l.out == nil {
		return stdlog.Default()
	}

	return l.out
}

func (l *GoLogger) qualify(fields []Field) []Field {
	if l.group == "" {
		return fields
	}

	qualified := make([]Field, len(fields))
	for i, field := range fields {
		qualified[i] = Field{Key: l.group + "." + field.Key, Value: field.Value}
	}

	return qualified
}

func (l *GoLogger) render(level Level, msg string, fields []Field) string {
	var sb strings.Builder

	sb.WriteString("[")
	sb.WriteString(level.String())
	sb.WriteString("] ")
	sb.WriteString(sanitizeLogString(msg))

	all := append(append([]Field{}, l.fields...), l.qualify(fields)...)
	for _, field := range all {
		sb.WriteString(" ")
		sb.WriteString(sanitizeLogString(field.Key))
		sb.WriteString("=")
		sb.WriteString(renderValue(field.Value))
	}

	return sb.String()
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return sanitizeLogString(v)
	case error:
		return sanitizeLogString(v.Error())
	case fmt.Stringer:
		return sanitizeLogString(v.String())
	default:
		return sanitizeLogString(fmt.Sprintf("%v", v))
	}
}
