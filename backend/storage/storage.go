// Package storage holds the errors shared by directory room stores.
package storage

import "errors"

const DefaultMaxParticipants = 6

var (
	ErrCodeTaken    = errors.New("code taken")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
	ErrNotHost      = errors.New("peer is not the host of this room")
)
