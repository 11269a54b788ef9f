package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// FixedFormatWriter rewrites zerolog JSON lines into aligned columns for log
// files:
//
//	2026-10-14 09:30:00.000 [INF] [service-isolate ] Service isolate spawned main_port=3
//	2026-10-14 09:30:05.120 [WRN] [service-isolate ] Terminating service isolate main_port=3
type FixedFormatWriter struct {
	w io.Writer
}

// NewFixedFormatWriter wraps w.
func NewFixedFormatWriter(w io.Writer) *FixedFormatWriter {
	return &FixedFormatWriter{w: w}
}

const (
	componentWidth = 16
	tsLayout       = "2006-01-02 15:04:05.000"
)

var levelCodes = map[string]string{
	"trace": "TRC",
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FTL",
	"panic": "PNC",
}

// dropped are never rendered as trailing key=value pairs.
var dropped = []string{"time", "level", "component", "message", "caller"}

func (f *FixedFormatWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return f.w.Write(p)
	}

	ts := formatTimestamp(stringField(fields, "time"))
	lvl, ok := levelCodes[stringField(fields, "level")]
	if !ok {
		lvl = "???"
	}
	comp := stringField(fields, "component")
	if len(comp) > componentWidth {
		comp = comp[:componentWidth]
	}
	msg := stringField(fields, "message")
	for _, k := range dropped {
		delete(fields, k)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%-*s] %s", ts, lvl, componentWidth, comp, msg)
	if extra := formatExtra(fields); extra != "" {
		b.WriteByte(' ')
		b.WriteString(extra)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(f.w, b.String())
	// zerolog expects the input length back.
	return len(p), err
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatTimestamp renders an RFC3339 timestamp as local wall time in tsLayout,
// keeping the clock reading of the original offset. Unparseable input is
// padded or truncated to the column width.
func formatTimestamp(ts string) string {
	if ts == "" {
		return strings.Repeat(" ", len(tsLayout))
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Format(tsLayout)
	}
	if len(ts) >= len(tsLayout) {
		return ts[:len(tsLayout)]
	}
	return ts + strings.Repeat(" ", len(tsLayout)-len(ts))
}

// formatExtra renders the remaining fields as sorted key=value pairs, quoting
// values that contain whitespace or quotes.
func formatExtra(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		s := fmt.Sprintf("%v", fields[k])
		if strings.ContainsAny(s, " \t\n\"") {
			s = fmt.Sprintf("%q", s)
		}
		parts = append(parts, k+"="+s)
	}
	return strings.Join(parts, " ")
}
