package packet

import (
	"strings"
	"time"
)

// Class buckets command names so each bucket can carry its own timeout.
// The desktop application's operations vary from near-instant pings to
// multi-minute PDF exports.
type Class string

const (
	ClassPing    Class = "ping"
	ClassCreate  Class = "create"
	ClassText    Class = "text"
	ClassExport  Class = "export"
	ClassCapture Class = "capture"
	ClassDefault Class = "default"
)

// defaultTimeouts is the built-in per-class timeout table. Config may
// override individual entries; unknown classes use ClassDefault.
var defaultTimeouts = map[Class]time.Duration{
	ClassPing:    5 * time.Second,
	ClassCreate:  15 * time.Second,
	ClassText:    20 * time.Second,
	ClassExport:  120 * time.Second,
	ClassCapture: 30 * time.Second,
	ClassDefault: 30 * time.Second,
}

// ClassOf maps a command action to its class. Matching is by action
// prefix so "export_pdf" and "export_preset_list" land in the same bucket.
func ClassOf(action string) Class {
	a := strings.ToLower(action)
	switch {
	case a == "ping":
		return ClassPing
	case strings.HasPrefix(a, "create"), strings.HasPrefix(a, "new_document"):
		return ClassCreate
	case strings.HasPrefix(a, "place_text"), strings.HasPrefix(a, "set_text"), strings.HasPrefix(a, "insert_text"):
		return ClassText
	case strings.HasPrefix(a, "export"):
		return ClassExport
	case strings.HasPrefix(a, "capture"), strings.HasPrefix(a, "screenshot"), strings.HasPrefix(a, "preview"):
		return ClassCapture
	default:
		return ClassDefault
	}
}

// Timeouts resolves per-class timeouts with optional overrides keyed by
// class name (milliseconds), as supplied by config or a ticket.
type Timeouts struct {
	overrides map[Class]time.Duration
}

// NewTimeouts builds a Timeouts table from override values in
// milliseconds. Zero or negative overrides are ignored.
func NewTimeouts(overridesMS map[string]int64) Timeouts {
	t := Timeouts{overrides: make(map[Class]time.Duration)}
	for name, ms := range overridesMS {
		if ms <= 0 {
			continue
		}
		t.overrides[Class(name)] = time.Duration(ms) * time.Millisecond
	}
	return t
}

// For returns the timeout for a command action.
func (t Timeouts) For(action string) time.Duration {
	class := ClassOf(action)
	if d, ok := t.overrides[class]; ok {
		return d
	}
	if d, ok := defaultTimeouts[class]; ok {
		return d
	}
	return defaultTimeouts[ClassDefault]
}

// ForClass returns the timeout for an explicit class.
func (t Timeouts) ForClass(class Class) time.Duration {
	if d, ok := t.overrides[class]; ok {
		return d
	}
	if d, ok := defaultTimeouts[class]; ok {
		return d
	}
	return defaultTimeouts[ClassDefault]
}
