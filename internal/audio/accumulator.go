package audio

import (
	"time"
)

// DefaultWindowSize is the number of fragments that make up one window
const DefaultWindowSize = 8

// Window is a completed, immutable block of audio handed to recognition.
// Once returned by Accumulator.Append the accumulator keeps no reference to Data.
type Window struct {
	Seq           uint64    // 1-based sequence number within the session
	Data          []byte    // Concatenated fragments in arrival order
	Fragments     int       // Number of fragments in this window
	FragmentTotal uint64    // Session-wide fragment count when the window completed
	CompletedAt   time.Time // When the last fragment arrived
}

// Size returns the window payload size in bytes
func (w *Window) Size() int {
	return len(w.Data)
}

// AccumulatorStats represents accumulator statistics for monitoring
type AccumulatorStats struct {
	WindowSize       int    `json:"window_size"`
	PendingFragments int    `json:"pending_fragments"`
	PendingBytes     int    `json:"pending_bytes"`
	TotalFragments   uint64 `json:"total_fragments"`
	TotalBytes       uint64 `json:"total_bytes"`
	WindowsProduced  uint64 `json:"windows_produced"`
}

// Accumulator collects fragments for one session and cuts them into windows
// of exactly windowSize fragments.
//
// An Accumulator is owned by a single goroutine and is not safe for
// concurrent use. Zero-length fragments are counted like any other fragment.
type Accumulator struct {
	windowSize int

	// Current window
	fragments    [][]byte
	pendingBytes int

	// Counters
	windows        uint64
	totalFragments uint64
	totalBytes     uint64
}

// NewAccumulator creates an accumulator that emits a window every windowSize fragments
func NewAccumulator(windowSize int) *Accumulator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	return &Accumulator{
		windowSize: windowSize,
		fragments:  make([][]byte, 0, windowSize),
	}
}

// Append adds a fragment to the current window. When the window reaches its
// fragment threshold it is returned and the accumulator starts a new one;
// otherwise Append returns nil.
func (a *Accumulator) Append(fragment []byte) *Window {
	// The caller may reuse its read buffer, keep our own copy
	owned := make([]byte, len(fragment))
	copy(owned, fragment)

	a.fragments = append(a.fragments, owned)
	a.pendingBytes += len(owned)
	a.totalFragments++
	a.totalBytes += uint64(len(owned))

	if len(a.fragments) < a.windowSize {
		return nil
	}

	return a.take()
}

// take concatenates the buffered fragments into a window and resets the buffer
func (a *Accumulator) take() *Window {
	data := make([]byte, 0, a.pendingBytes)
	for _, fragment := range a.fragments {
		data = append(data, fragment...)
	}

	a.windows++
	window := &Window{
		Seq:           a.windows,
		Data:          data,
		Fragments:     len(a.fragments),
		FragmentTotal: a.totalFragments,
		CompletedAt:   time.Now(),
	}

	// Drop references to the old fragments so they can be collected
	a.fragments = make([][]byte, 0, a.windowSize)
	a.pendingBytes = 0

	return window
}

// GetStats returns current accumulator statistics
func (a *Accumulator) GetStats() AccumulatorStats {
	return AccumulatorStats{
		WindowSize:       a.windowSize,
		PendingFragments: len(a.fragments),
		PendingBytes:     a.pendingBytes,
		TotalFragments:   a.totalFragments,
		TotalBytes:       a.totalBytes,
		WindowsProduced:  a.windows,
	}
}
