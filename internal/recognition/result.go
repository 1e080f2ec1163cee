package recognition

import (
	"fmt"
	"time"
)

// Kind is the closed set of classification outcomes
type Kind int

const (
	KindText               Kind = iota // Recognized speech
	KindNoMatch                        // Audio present but nothing intelligible
	KindServiceUnavailable             // Backend unreachable or rejected the request
	KindProcessingError                // Anything else that went wrong preparing or calling the backend
)

// String returns the snake_case name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNoMatch:
		return "no_match"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindProcessingError:
		return "processing_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result is the classified outcome for one window
type Result struct {
	Kind          Kind          `json:"kind"`
	Text          string        `json:"text,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Seq           uint64        `json:"seq"`
	FragmentTotal uint64        `json:"fragment_total"`
	Elapsed       time.Duration `json:"elapsed"` // Monotonic time since process start at completion
	Latency       time.Duration `json:"latency"`
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
