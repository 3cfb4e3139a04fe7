package observability

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Logger emits one JSON object per line on stdout, which the hosting
// platform's log drain picks up as-is.
type Logger struct {
	base   *log.Logger
	static map[string]any
}

func NewLogger() *Logger {
	return &Logger{base: log.New(os.Stdout, "", 0)}
}

// With returns a logger that attaches the given fields to every line.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.static)+len(fields))
	for k, v := range l.static {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{base: l.base, static: merged}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]any) {
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   message,
	}
	for k, v := range l.static {
		payload[k] = v
	}
	for k, v := range fields {
		payload[k] = v
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		l.base.Println(`{"level":"error","message":"failed to encode log"}`)
		return
	}

	l.base.Println(string(encoded))
}
