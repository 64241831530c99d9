//go:build linux && cgo && mediadevices

package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/playback"
)

const deviceBitRate = 1_000_000

// DeviceSource captures the camera and microphone through V4L2 and malgo.
type DeviceSource struct {
	logger zerolog.Logger
}

func NewDeviceSource(logger *zerolog.Logger) *DeviceSource {
	return &DeviceSource{logger: logger.With().Str("component", "devices").Logger()}
}

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = deviceBitRate
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Acquire tries camera+microphone, then each one alone.
func (d *DeviceSource) Acquire(_ context.Context) (*Stream, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, errors.Join(ErrDeviceUnavailable, err)
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrDeviceUnavailable
	}

	var lastErr error
	for _, a := range []struct{ video, audio bool }{{true, true}, {true, false}, {false, true}} {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.logger.Debug().Err(err).Bool("video", a.video).Bool("audio", a.audio).Msg("capture attempt failed")
			lastErr = err
			continue
		}
		return fromMediaStream(KindCamera, ms), nil
	}
	return nil, deviceError(lastErr)
}

// ScreenCapturer captures the display for SourceScreen.
type ScreenCapturer struct{}

func (ScreenCapturer) Capture(_ context.Context, _ playback.SourceMode, _ string, _ Clock) (*Stream, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, errors.Join(ErrCaptureUnsupported, err)
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, errors.Join(ErrCaptureUnsupported, err)
	}
	return fromMediaStream(KindContent, ms), nil
}

func fromMediaStream(kind Kind, ms mediadevices.MediaStream) *Stream {
	tracks := ms.GetTracks()
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		local = append(local, t)
	}
	return NewStream(string(kind)+"-"+uuid.NewString(), kind, local, func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	})
}

func deviceError(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return errors.Join(ErrPermissionDenied, err)
	}
	return errors.Join(ErrDeviceUnavailable, err)
}

// ScreenSource returns the display capturer of this build.
func ScreenSource() Capturer {
	return ScreenCapturer{}
}
