package util

import "time"

type times string

const Times times = ""

// Nullable maps the zero time to nil for nullable db columns.
func (times) Nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
