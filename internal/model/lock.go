package model

import "time"

// LockRecord is the payload stored under the mutex key.
type LockRecord struct {
	StartedAt   time.Time `json:"started_at"`
	Environment string    `json:"environment"`
	JobMode     string    `json:"job_mode,omitempty"`
}

// LockInfo describes the current holder of the mutex.
type LockInfo struct {
	LockRecord
	AgeMs     int64 `json:"age_ms"`
	IsExpired bool  `json:"is_expired"`
}
