package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar date format used for partitions.
const DateLayout = "2006-01-02"

// ExtractionUnit is the atomic piece of reconciliation work: one venue on one date.
type ExtractionUnit struct {
	Date  string `json:"date"`
	Venue Venue  `json:"venue"`
}

// Key identifies the unit in logs and progress messages.
func (u ExtractionUnit) Key() string {
	return fmt.Sprintf("[%s][%s]", u.Date, u.Venue.Name)
}

// ParseDate validates a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", s)
	}
	return t, nil
}

// DateRange expands an inclusive range into ascending calendar dates.
func DateRange(start, end string) ([]string, error) {
	s, err := ParseDate(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return nil, err
	}
	if e.Before(s) {
		return nil, eris.Errorf("model: end date %s is before start date %s", end, start)
	}

	var dates []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}

// DaysAgo returns the calendar date n days before now in loc.
func DaysAgo(now time.Time, loc *time.Location, n int) string {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -n).Format(DateLayout)
}

// Units builds the run order: dates ascending, venues in the given order within each date.
func Units(dates []string, venues []Venue) []ExtractionUnit {
	units := make([]ExtractionUnit, 0, len(dates)*len(venues))
	for _, d := range dates {
		for _, v := range venues {
			units = append(units, ExtractionUnit{Date: d, Venue: v})
		}
	}
	return units
}
