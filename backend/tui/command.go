package tui

import (
	"errors"
	"strconv"
	"strings"

	"github.com/adwski/watchparty/backend/playback"
)

var ErrUnknownCommand = errors.New("unknown command, try /help")

type actionKind int

const (
	actionChat actionKind = iota
	actionLoad
	actionPlay
	actionPause
	actionSeek
	actionLeave
	actionHelp
)

type action struct {
	kind    actionKind
	text    string
	mode    playback.SourceMode
	seconds float64
}

// parseLine turns an input line into an action. Lines not starting with a
// slash are chat.
func parseLine(line string) (action, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return action{kind: actionChat, text: line}, nil
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "load", "url":
		return action{kind: actionLoad, mode: playback.SourceEmbedded, text: arg}, nil
	case "file":
		return action{kind: actionLoad, mode: playback.SourceFile, text: arg}, nil
	case "screen":
		if arg == "" {
			arg = "primary"
		}
		return action{kind: actionLoad, mode: playback.SourceScreen, text: arg}, nil
	case "play":
		return action{kind: actionPlay}, nil
	case "pause":
		return action{kind: actionPause}, nil
	case "seek":
		secs, err := parseTimestamp(arg)
		if err != nil {
			return action{}, err
		}
		return action{kind: actionSeek, seconds: secs}, nil
	case "leave", "quit":
		return action{kind: actionLeave}, nil
	case "help":
		return action{kind: actionHelp}, nil
	default:
		return action{}, ErrUnknownCommand
	}
}

var errBadTimestamp = errors.New("seek takes seconds or mm:ss")

// parseTimestamp accepts "90", "1:30" and "1:02:03".
func parseTimestamp(s string) (float64, error) {
	if s == "" {
		return 0, errBadTimestamp
	}
	var total float64
	for _, part := range strings.Split(s, ":") {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, errBadTimestamp
		}
		total = total*60 + v
	}
	return total, nil
}

func formatTimestamp(secs float64) string {
	if secs < 0 {
		secs = 0
	}
	t := int(secs)
	if t >= 3600 {
		return strconv.Itoa(t/3600) + ":" + pad(t/60%60) + ":" + pad(t%60)
	}
	return pad(t/60) + ":" + pad(t%60)
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
