package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Formatter renders an Entry to bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// TextFormatter renders entries as human-readable single lines:
//
//	2026-01-02T15:04:05Z INFO message completed component=worker seq=42
type TextFormatter struct {
	// DisableTimestamp omits the leading timestamp, useful in tests.
	DisableTimestamp bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
		buf.WriteByte(' ')
	}
	buf.WriteString(entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	for _, k := range sortedKeys(entry.Fields) {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		if err, ok := v.(error); ok {
			obj[k] = err.Error()
			continue
		}
		obj[k] = v
	}
	obj["ts"] = entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
