package gate

import (
	"fmt"

	"github.com/schaermu/fsgate/internal/fingerprint"
	"github.com/schaermu/fsgate/internal/record"
)

// Status is the outcome of a check
type Status int

const (
	// NoData means the watched directory does not exist
	NoData Status = iota
	// Unchanged means the recorded fingerprint matches the directory
	Unchanged
	// Changed means the image must be rebuilt and uploaded
	Changed
)

func (s Status) String() string {
	switch s {
	case NoData:
		return "no-data"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Decision describes whether a rebuild is required and why
type Decision struct {
	Status   Status
	Current  fingerprint.Result
	Previous record.Lookup
}
