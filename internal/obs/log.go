package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Emit writes one structured JSON log line with the common envelope fields.
func Emit(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogRequest writes one pre-assembled request log line verbatim.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	Logger().Println(string(data))
}

// Info logs at info level.
func Info(msg string, fields map[string]any) { Emit("info", msg, fields) }

// Warn logs at warning level.
func Warn(msg string, fields map[string]any) { Emit("warn", msg, fields) }

// Error logs at error level. Use for failures that are reported to callers
// as a generic internal error; the detail stays in the log.
func Error(msg string, fields map[string]any) { Emit("error", msg, fields) }
