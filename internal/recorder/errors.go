package recorder

import "errors"

// Setup errors surfaced by Start. Each maps to a distinct user-facing
// message via UserMessage; anything else gets the generic one.
var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrChannelTimeout   = errors.New("timed out waiting for event channel to open")
	ErrChannelFailed    = errors.New("failed to establish event channel")
	ErrMicUnavailable   = errors.New("microphone unavailable")
)

// UserMessage maps an error from Start/Stop to guidance suitable for display.
// Underlying detail stays in the logs.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrMicUnavailable):
		return "Could not access the microphone. Check that a microphone is connected and that recording permission is granted."
	case errors.Is(err, ErrChannelTimeout):
		return "Connecting to the transcription service timed out. Please try again."
	case errors.Is(err, ErrChannelFailed):
		return "Could not connect to the transcription service. Please try again."
	case errors.Is(err, ErrAlreadyRecording):
		return "A recording is already in progress."
	default:
		return "Could not start or continue recording, please try again."
	}
}
