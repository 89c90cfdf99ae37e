// Package obs carries the operational side channels: the JSON line
// logger, Prometheus metrics, and the readiness gate. The logger doubles
// as the audit fallback channel: entries that cannot reach the audit sink
// are emitted here so the record survives in the operator's log stream.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// serviceLabel tags every log line so aggregated streams stay filterable.
const serviceLabel = "custodia-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line-oriented logger, one JSON object per
// line on stdout.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line, stamping the service label
// and a timestamp when the caller did not set them.
func LogRequest(entry map[string]any) {
	if entry == nil {
		entry = map[string]any{}
	}
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceLabel
	}
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + serviceLabel + `","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
