package wirefmt

import "fmt"

// PeekType returns the frame type of the next frame in b without consuming
// anything.
func PeekType(b []byte) (FrameType, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("wirefmt: empty frame buffer")
	}
	return FrameType(b[0]), nil
}
