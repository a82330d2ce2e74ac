package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to a LogEvent
// - lower-cases Source
// - trims Message
// - upper-cases Level ("warning" becomes WARN)
func (e *LogEvent) Normalize() {
	e.Source = strings.ToLower(strings.TrimSpace(e.Source))
	e.Message = strings.TrimSpace(e.Message)
	e.ID = strings.TrimSpace(e.ID)

	if l, err := ParseLevel(string(e.Level)); err == nil {
		e.Level = l
	} else {
		e.Level = Level(strings.ToUpper(strings.TrimSpace(string(e.Level))))
	}

	// Normalize property keys to lowercase
	if e.Properties != nil {
		normalized := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			if s, ok := v.(string); ok {
				v = strings.TrimSpace(s)
			}
			normalized[strings.ToLower(strings.TrimSpace(k))] = v
		}
		e.Properties = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
