package capture

import (
	"errors"
	"time"
)

// ErrUnavailable is returned when the source has no frame to give: the
// camera is closed or no fresh frame has arrived yet. It is never fatal.
var ErrUnavailable = errors.New("capture: source unavailable")

// Frame is one encoded frame ready to send for detection.
type Frame struct {
	Data       []byte    // Encoded image (JPEG)
	Width      int       // Pixel width of Data
	Height     int       // Pixel height of Data
	CapturedAt time.Time // When the image was taken
}

// Source produces frames on demand.
type Source interface {
	// Capture returns the current frame encoded with enc, or an error
	// wrapping ErrUnavailable.
	Capture(enc Encoding) (Frame, error)
}

// Releaser is implemented by sources that hold transient buffers which can
// be dropped and reallocated on demand.
type Releaser interface {
	Release()
}
