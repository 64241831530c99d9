// Package chat keeps the session's chat lines in memory.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrEmptyMessage = errors.New("empty chat message")

const labelLen = 8

type Message struct {
	SenderAddress     string    `json:"sender_address,omitempty"`
	SenderDisplayName string    `json:"sender_display_name,omitempty"`
	Text              string    `json:"text"`
	System            bool      `json:"system,omitempty"`
	At                time.Time `json:"at"`
}

// Label is what a line is shown under: the display name, or the truncated
// address while the sender's identity is unknown.
func (m Message) Label() string {
	if m.System {
		return "*"
	}
	return Label(m.SenderDisplayName, m.SenderAddress)
}

func Label(displayName, address string) string {
	if displayName != "" {
		return displayName
	}
	if len(address) > labelLen {
		return address[:labelLen]
	}
	return address
}

// Log is append-only and lives as long as the session.
type Log struct {
	mu   sync.Mutex
	msgs []Message
}

func NewLog() *Log {
	return &Log{}
}

// Append adds a line from a peer. Text is trimmed and must not be empty.
func (l *Log) Append(address, displayName, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	m := Message{
		SenderAddress:     address,
		SenderDisplayName: displayName,
		Text:              text,
		At:                time.Now(),
	}
	l.add(m)
	return m, nil
}

func (l *Log) System(text string) Message {
	m := Message{Text: text, System: true, At: time.Now()}
	l.add(m)
	return m
}

func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *Log) add(m Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
}
