package osbackfill

import (
	"strings"
	"time"
)

// Row is one raw record from the login-event file, keyed by column header.
// Rows have no identity beyond their position in the stream.
type Row map[string]string

// Column names required in the input file.
const (
	ColPrimaryID = "suid"
	ColDeviceID  = "zid"
	ColSourceApp = "sourceApp"
)

// DeviceKey identifies one device record in the store.
type DeviceKey struct {
	PrimaryID string
	DeviceID  string
}

// OSTag is the device class derived from the raw source-application field.
type OSTag string

const (
	OSMac     OSTag = "Mac"
	OSWindows OSTag = "Windows"
)

// DisplayName is the human-readable name written to the device record.
func (t OSTag) DisplayName() string {
	return "Desktop Agent (" + string(t) + ")"
}

// Normalized is the lowercase form written to the record's os field.
func (t OSTag) Normalized() string {
	return strings.ToLower(string(t))
}

// ClassifiedRecord is a validated row ready for dispatch. It exists only
// between classification and the store update; it is never persisted.
type ClassifiedRecord struct {
	Key DeviceKey
	OS  OSTag
}

// Outcome is the terminal state of one input row. Every row yields exactly
// one outcome.
type Outcome int

const (
	OutcomeUpdated Outcome = iota
	OutcomeSkippedInvalid
	OutcomeSkippedNoOSMatch
	OutcomeSkippedDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkippedInvalid:
		return "skipped_invalid"
	case OutcomeSkippedNoOSMatch:
		return "skipped_no_os_match"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutcomeRecord carries one settled row to the audit sink.
type OutcomeRecord struct {
	Key     DeviceKey
	OS      OSTag
	Outcome Outcome
	Err     error
	At      time.Time
}

// RunSummary is the terminal artifact of a run: aggregate counters plus
// elapsed wall time. It is logged, not persisted.
type RunSummary struct {
	Processed        int64
	Updated          int64
	Failed           int64
	SkippedInvalid   int64
	SkippedNoOSMatch int64
	SkippedDuplicate int64
	DistinctDevices  int64
	Elapsed          time.Duration
}
