// Package filter decides which instances are excluded from remediation by tag.
package filter

import (
	"context"

	"github.com/yairfalse/shutter/pkg/remediation"
)

// Filter excludes instances carrying any of the configured tag/value pairs.
type Filter struct {
	excludeTags map[string]string
}

// New creates a Filter. A nil or empty map excludes nothing.
func New(excludeTags map[string]string) *Filter {
	return &Filter{excludeTags: excludeTags}
}

// ForTag creates a Filter for a single exclusion tag, e.g. shutdown_service_excluded=True.
func ForTag(key, value string) *Filter {
	return New(map[string]string{key: value})
}

// Excluded reports whether the instance opted out of remediation. ANY matching tag excludes.
func (f *Filter) Excluded(_ context.Context, inst remediation.Instance) (bool, error) {
	for k, v := range f.excludeTags {
		if inst.Tags != nil && inst.Tags[k] == v {
			return true, nil
		}
	}
	return false, nil
}
