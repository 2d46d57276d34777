package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Priority orders venues within a run. High priority venues publish first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// FilterLate selects venues flagged as late updaters regardless of priority.
const FilterLate = "late"

// Rank returns the sort position of p. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", eris.Errorf("model: unknown priority %q", s)
}

// Venue is a physical hall whose machines are extracted.
type Venue struct {
	Name       string   `json:"name" yaml:"name" mapstructure:"name"`
	Code       string   `json:"code" yaml:"code" mapstructure:"code"`
	Priority   Priority `json:"priority" yaml:"priority" mapstructure:"priority"`
	Region     string   `json:"region,omitempty" yaml:"region" mapstructure:"region"`
	Active     bool     `json:"active" yaml:"active" mapstructure:"active"`
	LateUpdate bool     `json:"late_update,omitempty" yaml:"late_update" mapstructure:"late_update"`
}

// SelectVenues returns the active venues matching filter in priority order.
// An empty filter keeps every active venue. FilterLate keeps late updaters.
// Any other value is treated as a Priority.
func SelectVenues(venues []Venue, filter string) []Venue {
	filter = strings.ToLower(strings.TrimSpace(filter))
	var out []Venue
	for _, v := range venues {
		if !v.Active {
			continue
		}
		switch {
		case filter == "":
		case filter == FilterLate:
			if !v.LateUpdate {
				continue
			}
		case string(v.Priority) != filter:
			continue
		}
		out = append(out, v)
	}
	return SortByPriority(out)
}

// SortByPriority returns a copy of venues stably sorted by priority rank.
func SortByPriority(venues []Venue) []Venue {
	out := make([]Venue, len(venues))
	copy(out, venues)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

// FindVenue looks a venue up by code or name.
func FindVenue(venues []Venue, key string) (Venue, bool) {
	for _, v := range venues {
		if v.Code == key || v.Name == key {
			return v, true
		}
	}
	return Venue{}, false
}
