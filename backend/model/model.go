package model

import "encoding/json"

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// Room is a directory record: the code peers type in and the address of the
// peer holding playback authority. Participants is only tracked server side.
type Room struct {
	Code            string              `json:"room_code"`
	HostPeerAddress string              `json:"host_address"`
	Participants    map[string]struct{} `json:"-"`
}

type Participant struct {
	PeerAddress string   `json:"peer_address"`
	DisplayName string   `json:"display_name,omitempty"`
	Role        Role     `json:"role"`
	Streams     []string `json:"streams,omitempty"`
}

// Announcement types generated by the directory server.
const (
	AnnouncementTypeJoined = "joined"
	AnnouncementTypeLeft   = "left"
)

// Announcement types exchanged between peers through the relay.
const (
	AnnouncementTypeOpen        = "open"
	AnnouncementTypeOpenAck     = "open-ack"
	AnnouncementTypeData        = "data"
	AnnouncementTypeClose       = "close"
	AnnouncementTypeUnreachable = "unreachable"
)

type Announcement struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement),
	}
}
