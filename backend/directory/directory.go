// Package directory maps room codes to host addresses for peers.
package directory

import (
	"context"
	"errors"
)

var (
	ErrCodeTaken    = errors.New("room code is taken")
	ErrRoomNotFound = errors.New("room is not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotHost      = errors.New("only the host can close the room")
	ErrUnexpected   = errors.New("unexpected directory response")
)

// Directory is what a session needs from the room directory.
type Directory interface {
	// Register claims code for the host. ErrCodeTaken means the caller
	// should pick another code.
	Register(ctx context.Context, code, hostAddr string) error
	// Resolve admits peer to the room and returns the host address.
	Resolve(ctx context.Context, code, peer string) (string, error)
	// Leave gives back a slot taken by Resolve when the peer never made it
	// into the room.
	Leave(ctx context.Context, code, peer string) error
	Unregister(ctx context.Context, code, hostAddr string) error
}

// AddressDeriver is implemented by directories whose host address follows
// from the room code. Hosts listen on that address.
type AddressDeriver interface {
	HostAddress(code string) string
}

const derivedPrefix = "host."

// Derived is the presence-free fallback directory: nothing is stored, the
// host address is computed from the code.
type Derived struct{}

func (Derived) HostAddress(code string) string {
	return derivedPrefix + code
}

func (Derived) Register(context.Context, string, string) error { return nil }

func (d Derived) Resolve(_ context.Context, code, _ string) (string, error) {
	return d.HostAddress(code), nil
}

func (Derived) Leave(context.Context, string, string) error { return nil }

func (Derived) Unregister(context.Context, string, string) error { return nil }
