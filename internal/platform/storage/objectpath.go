package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArchiveObject names an export file. Objects are partitioned by UTC day so lifecycle rules
// and ad hoc listing can work on a date prefix.
type ArchiveObject struct {
	Prefix string
	At     time.Time
	// Extension defaults to ndjson. A leading dot is ignored.
	Extension string
}

// Path renders <prefix>/YYYY/MM/DD/<YYYYMMDDTHHMMSSZ>.<ext>.
func (o ArchiveObject) Path() (string, error) {
	if o.At.IsZero() {
		return "", errors.New("storage: archive time is required")
	}
	prefix := strings.Trim(strings.TrimSpace(o.Prefix), "/")
	if prefix == "" {
		prefix = "orders"
	}
	for _, part := range strings.Split(prefix, "/") {
		if err := checkSegment("prefix", part); err != nil {
			return "", err
		}
	}
	ext := strings.TrimPrefix(strings.TrimSpace(o.Extension), ".")
	if ext == "" {
		ext = "ndjson"
	}
	if err := checkSegment("extension", ext); err != nil {
		return "", err
	}
	at := o.At.UTC()
	return prefix + "/" + at.Format("2006/01/02") + "/" + at.Format("20060102T150405Z") + "." + ext, nil
}

func checkSegment(name, value string) error {
	switch {
	case value == "" || value == "." || strings.Contains(value, ".."):
		return fmt.Errorf("storage: %s %q is not a usable path segment", name, value)
	case strings.ContainsAny(value, "/\\\x00"):
		return fmt.Errorf("storage: %s %q contains a path separator", name, value)
	}
	return nil
}
