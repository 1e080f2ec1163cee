package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knowsyash/audio-analyzer/internal/recognition"
)

// Placeholder texts sent in place of a transcript
const (
	PlaceholderNoMatch            = "[listening...]"
	PlaceholderServiceUnavailable = "[Recognition service unavailable]"
	placeholderProcessingError    = "[Audio processed - %d chunks received]"
)

// ErrMalformedFragment is returned for inbound frames that cannot carry audio
var ErrMalformedFragment = errors.New("malformed fragment")

// OutboundMessage is the JSON projection of a recognition result
type OutboundMessage struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// ProcessingErrorText returns the placeholder for a processing error after
// fragmentTotal fragments were received
func ProcessingErrorText(fragmentTotal uint64) string {
	return fmt.Sprintf(placeholderProcessingError, fragmentTotal)
}

// FromResult maps every result kind onto its outbound text
func FromResult(result recognition.Result) OutboundMessage {
	var text string
	switch result.Kind {
	case recognition.KindText:
		text = result.Text
	case recognition.KindNoMatch:
		text = PlaceholderNoMatch
	case recognition.KindServiceUnavailable:
		text = PlaceholderServiceUnavailable
	default:
		text = ProcessingErrorText(result.FragmentTotal)
	}

	return OutboundMessage{
		Text:      text,
		Timestamp: FormatTimestamp(result.Elapsed),
	}
}

// FormatTimestamp renders a monotonic offset as seconds with microsecond precision
func FormatTimestamp(elapsed time.Duration) string {
	return strconv.FormatFloat(elapsed.Seconds(), 'f', 6, 64)
}

// Encode serializes the message as a JSON object
func (m OutboundMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbound message: %w", err)
	}
	return data, nil
}

// DecodeOutbound parses a JSON outbound message
func DecodeOutbound(data []byte) (*OutboundMessage, error) {
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode outbound message: %w", err)
	}
	return &msg, nil
}

// ValidateFragment checks that an inbound frame carries an audio fragment.
// Only binary frames are accepted; zero-length binary frames are valid.
func ValidateFragment(messageType int, data []byte) error {
	switch messageType {
	case websocket.BinaryMessage:
		return nil
	case websocket.TextMessage:
		return fmt.Errorf("%w: text frame of %d bytes", ErrMalformedFragment, len(data))
	default:
		return fmt.Errorf("%w: unexpected message type %d", ErrMalformedFragment, messageType)
	}
}

// CloseCode returns the WebSocket close code reported to the client for a
// transport error that ends a session
func CloseCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, ErrMalformedFragment):
		return websocket.CloseUnsupportedData
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig
	default:
		return websocket.CloseInternalServerErr
	}
}
