package media

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

const (
	defaultPlaceholderInterval = time.Second
	opusFrameDuration          = 20 * time.Millisecond
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// placeholderIVF holds a single 1x1 VP8 key frame.
//
//go:embed placeholder.ivf
var placeholderIVF []byte

type DummyConfig struct {
	// Placeholder is a VP8 key frame repeated on the video track. The
	// embedded 1x1 frame is used when it is empty.
	Placeholder []byte
	Interval    time.Duration
}

// NewDummyStream builds the stand-in for a camera: a static image on a VP8
// track and silence on an Opus track.
func NewDummyStream(cfg DummyConfig) (*Stream, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPlaceholderInterval
	}
	if len(cfg.Placeholder) == 0 {
		frame, err := DefaultPlaceholder()
		if err != nil {
			return nil, fmt.Errorf("dummy placeholder: %w", err)
		}
		cfg.Placeholder = frame
	}
	id := "dummy-" + uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, fmt.Errorf("dummy video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("dummy audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go writeEvery(ctx, video, cfg.Placeholder, cfg.Interval)
	go writeEvery(ctx, audio, opusSilence, opusFrameDuration)

	return NewStream(id, KindDummy, []webrtc.TrackLocal{video, audio}, cancel), nil
}

func writeEvery(ctx context.Context, track *webrtc.TrackLocalStaticSample, frame []byte, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := track.WriteSample(media.Sample{Data: frame, Duration: every}); err != nil &&
				!errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}

// DefaultPlaceholder returns the embedded frame sent when no placeholder is
// configured.
func DefaultPlaceholder() ([]byte, error) {
	return firstFrame(bytes.NewReader(placeholderIVF))
}

// LoadPlaceholder reads the first frame of a VP8 IVF file.
func LoadPlaceholder(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return firstFrame(f)
}

func firstFrame(in io.Reader) ([]byte, error) {
	r, hdr, err := ivfreader.NewWith(in)
	if err != nil {
		return nil, err
	}
	if hdr.FourCC != "VP80" {
		return nil, fmt.Errorf("placeholder must be VP8, got %q", hdr.FourCC)
	}
	frame, _, err := r.ParseNextFrame()
	if err != nil {
		return nil, err
	}
	return frame, nil
}
