package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/playback"
)

const (
	capturePace     = 10 * time.Millisecond
	captureLagLimit = time.Second
)

var ErrCaptureUnsupported = fmt.Errorf("%w: capture is not supported here", playback.ErrInvalidSource)

// Clock reports the host player position in seconds.
type Clock func() float64

// Capturer turns a locally rendered source into a content stream.
type Capturer interface {
	Capture(ctx context.Context, mode playback.SourceMode, ref string, clock Clock) (*Stream, error)
}

type CaptureConfig struct {
	Logger *zerolog.Logger
	// Screen handles SourceScreen. Nil means screen capture is unsupported.
	Screen Capturer
}

// LocalCapturer captures files itself and hands screens to the device
// driver capturer.
type LocalCapturer struct {
	screen Capturer
	logger zerolog.Logger
}

func NewCapturer(cfg CaptureConfig) *LocalCapturer {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LocalCapturer{
		screen: cfg.Screen,
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

func (c *LocalCapturer) Capture(ctx context.Context, mode playback.SourceMode, ref string, clock Clock) (*Stream, error) {
	switch mode {
	case playback.SourceFile:
		return FileCapture(ref, clock, &c.logger)
	case playback.SourceScreen:
		if c.screen == nil {
			return nil, ErrCaptureUnsupported
		}
		return c.screen.Capture(ctx, mode, ref, clock)
	default:
		return nil, fmt.Errorf("%w: %s is not captured", ErrCaptureUnsupported, mode)
	}
}

// FileCapture streams a VP8 IVF file, releasing each frame when the clock
// reaches its timestamp. A seek backwards restarts the file; frames far
// behind the clock are skipped.
func FileCapture(path string, clock Clock, logger *zerolog.Logger) (*Stream, error) {
	r, err := openIVF(path)
	if err != nil {
		return nil, errors.Join(playback.ErrInvalidSource, err)
	}

	id := "content-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer func() { _ = r.Close() }()
		if err := pump(ctx, path, r, track, clock); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("file", path).Msg("file capture stopped")
		}
	}()
	return NewStream(id, KindContent, []webrtc.TrackLocal{track}, cancel), nil
}

type ivfFile struct {
	f      *os.File
	reader *ivfreader.IVFReader
	// seconds per timestamp unit
	unit float64
}

func openIVF(path string) (*ivfFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, hdr, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if hdr.FourCC != "VP80" || hdr.TimebaseDenominator == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported ivf stream %q", hdr.FourCC)
	}
	return &ivfFile{
		f:      f,
		reader: reader,
		unit:   float64(hdr.TimebaseNumerator) / float64(hdr.TimebaseDenominator),
	}, nil
}

func (i *ivfFile) Close() error {
	return i.f.Close()
}

func pump(ctx context.Context, path string, r *ivfFile, track *webrtc.TrackLocalStaticSample, clock Clock) error {
	var last float64
	for {
		frame, fh, err := r.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		at := float64(fh.Timestamp) * r.unit

		for {
			now := clock()
			if now+captureLagLimit.Seconds() < last {
				// seeked backwards
				_ = r.Close()
				nr, err := openIVF(path)
				if err != nil {
					return err
				}
				*r = *nr
				last = 0
				break
			}
			if now >= at {
				if now-at < captureLagLimit.Seconds() {
					dur := time.Duration((at - last) * float64(time.Second))
					if err = track.WriteSample(media.Sample{Data: frame, Duration: dur}); err != nil {
						return err
					}
				}
				last = at
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(capturePace):
			}
		}
	}
}
