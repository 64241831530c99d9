// Package protocol defines the messages peers exchange on a control channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/watchparty/backend/playback"
)

var (
	ErrMalformed   = errors.New("malformed control message")
	ErrUnknownType = errors.New("unknown control message type")
)

type Type string

const (
	TypeIdentity Type = "identity"
	TypeSync     Type = "sync"
	TypeChat     Type = "chat"
	TypePeerList Type = "peer-list"
	TypeLeave    Type = "leave"

	TypeMediaOffer  Type = "media-offer"
	TypeMediaAnswer Type = "media-answer"
	TypeMediaICE    Type = "media-ice"
	TypeMediaHangup Type = "media-hangup"
)

// Message is a control message. Type selects which of the other fields are
// meaningful.
type Message struct {
	Type        Type            `json:"type"`
	DisplayName string          `json:"display_name,omitempty"` // identity
	Event       *playback.Event `json:"event,omitempty"`        // sync
	Text        string          `json:"text,omitempty"`         // chat
	Peers       []string        `json:"peers,omitempty"`        // peer-list
	Media       *MediaSignal    `json:"media,omitempty"`        // media-*
}

// MediaSignal negotiates one media call. Tag tells calls between the same
// pair of peers apart.
type MediaSignal struct {
	Tag           string  `json:"tag"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

func Identity(displayName string) Message {
	return Message{Type: TypeIdentity, DisplayName: displayName}
}

func Sync(ev playback.Event) Message {
	return Message{Type: TypeSync, Event: &ev}
}

func Chat(text string) Message {
	return Message{Type: TypeChat, Text: text}
}

func PeerList(peers []string) Message {
	return Message{Type: TypePeerList, Peers: peers}
}

func Leave() Message {
	return Message{Type: TypeLeave}
}

func Media(t Type, sig MediaSignal) Message {
	return Message{Type: t, Media: &sig}
}

func (m Message) IsMedia() bool {
	switch m.Type {
	case TypeMediaOffer, TypeMediaAnswer, TypeMediaICE, TypeMediaHangup:
		return true
	}
	return false
}

func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errors.Join(ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeIdentity, TypeChat, TypePeerList, TypeLeave:
		return nil
	case TypeSync:
		if m.Event == nil {
			return fmt.Errorf("%w: sync without event", ErrMalformed)
		}
		return nil
	case TypeMediaOffer, TypeMediaAnswer, TypeMediaICE, TypeMediaHangup:
		if m.Media == nil || m.Media.Tag == "" {
			return fmt.Errorf("%w: %s without tag", ErrMalformed, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}
