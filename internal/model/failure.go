package model

import "time"

// ErrorKind classifies why extraction failed.
type ErrorKind string

const (
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindBlocked  ErrorKind = "blocked"
	ErrorKindNotFound ErrorKind = "not_found"
	ErrorKindParse    ErrorKind = "parse"
	ErrorKindNetwork  ErrorKind = "network"
	ErrorKindUnknown  ErrorKind = "unknown"
)

// FailureStatus tracks the lifecycle of a logged failure.
type FailureStatus string

const (
	FailureStatusPending  FailureStatus = "pending"
	FailureStatusResolved FailureStatus = "resolved"
	FailureStatusIgnored  FailureStatus = "ignored"
)

// Resolution methods for failures.
const (
	ResolvedManual    = "manual"
	ResolvedRescrape  = "rescrape"
	ResolvedCorrected = "correction"
)

// MachineFailure is a durable record of a machine or venue that could not be extracted.
// An empty Machine marks a venue-level failure.
type MachineFailure struct {
	ID             string        `json:"id"`
	Date           string        `json:"date"`
	Venue          string        `json:"venue"`
	VenueCode      string        `json:"venue_code,omitempty"`
	Machine        string        `json:"machine,omitempty"`
	MachineURL     string        `json:"machine_url,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind"`
	ErrorMessage   string        `json:"error_message"`
	FailedAt       time.Time     `json:"failed_at"`
	Status         FailureStatus `json:"status"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedMethod string        `json:"resolved_method,omitempty"`
}

// VenueLevel reports whether the failure covers the whole venue.
func (f MachineFailure) VenueLevel() bool {
	return f.Machine == ""
}

// CorrectionRow is a manually entered replacement for a machine's record.
type CorrectionRow struct {
	StagingRow
	FailureID   string    `json:"failure_id,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CorrectedAt time.Time `json:"corrected_at"`
}
