package transcription

import (
	"fmt"
	"time"
)

// Request is one audio window submitted for transcription
type Request struct {
	RequestID  string
	SessionID  string
	Seq        uint64
	Audio      []byte // WAV container
	SampleRate int
	Channels   int
	Duration   time.Duration
	Language   string
	CreatedAt  time.Time
}

// Filename returns the upload name of the audio part
func (r *Request) Filename() string {
	return fmt.Sprintf("window-%d.wav", r.Seq)
}
