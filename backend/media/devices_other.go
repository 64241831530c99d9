//go:build !(linux && cgo && mediadevices)

package media

import (
	"context"

	"github.com/rs/zerolog"
)

// DeviceSource reports devices as unavailable in builds without the
// mediadevices drivers, so peers fall back to the dummy stream.
type DeviceSource struct{}

func NewDeviceSource(*zerolog.Logger) *DeviceSource {
	return &DeviceSource{}
}

func (*DeviceSource) Acquire(context.Context) (*Stream, error) {
	return nil, ErrDeviceUnavailable
}

// ScreenSource returns nil: screen capture needs the mediadevices drivers.
func ScreenSource() Capturer {
	return nil
}
