package media

import (
	"context"
	"errors"
	"io/fs"
)

// Source acquires the local camera and microphone.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

type SourceFunc func(ctx context.Context) (*Stream, error)

func (f SourceFunc) Acquire(ctx context.Context) (*Stream, error) { return f(ctx) }

// Unavailable is a Source that always fails with err.
func Unavailable(err error) Source {
	return SourceFunc(func(context.Context) (*Stream, error) { return nil, err })
}

// AcquireOrDummy returns the device stream, or a dummy stream and the reason
// the devices could not be used. The returned stream is never nil unless the
// dummy itself cannot be built.
func AcquireOrDummy(ctx context.Context, src Source, dummy DummyConfig) (*Stream, error) {
	var cause error
	if src == nil {
		cause = ErrDeviceUnavailable
	} else {
		s, err := src.Acquire(ctx)
		if err == nil && s != nil {
			return s, nil
		}
		cause = classify(err)
	}
	s, err := NewDummyStream(dummy)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return s, cause
}

// Reason names the user-facing class of an acquisition failure.
func Reason(err error) string {
	if errors.Is(classify(err), ErrPermissionDenied) {
		return "camera/microphone permission denied"
	}
	return "camera/microphone unavailable"
}

func classify(err error) error {
	switch {
	case err == nil:
		return ErrDeviceUnavailable
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return err
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermissionDenied, err)
	default:
		return errors.Join(ErrDeviceUnavailable, err)
	}
}
