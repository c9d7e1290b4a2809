package proto

import "encoding/json"

// Frame is the wire envelope for every message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server frame types.
const (
	TypeIdentify     = "identify"
	TypeSetName      = "setName"
	TypeSetDJ        = "setDJ"
	TypeFollow       = "follow"
	TypeUnfollow     = "unfollow"
	TypeAddFriend    = "addFriend"
	TypeRemoveFriend = "removeFriend"
	TypeListFriends  = "listFriends"
	TypeListUsers    = "listUsers"
	TypePlayback     = "playback"
	TypeClockPing    = "clockPing"
)

// Server-to-client frame types. TypePlayback is shared: the relayed frame
// carries the same shape plus the sender's id.
const (
	TypeHello       = "hello"
	TypeRequireName = "requireName"
	TypeUsers       = "users"
	TypeFriends     = "friends"
	TypeClockPong   = "clockPong"
)

// Reason codes carried by requireName.
const (
	ReasonNameMissing = "missing"
	ReasonNameEmpty   = "empty"
	ReasonNameTooLong = "too_long"
)

// IdentifyPayload binds the connection to an identity. The id is an opaque
// client-supplied token; displayName is optional on a returning identity.
type IdentifyPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// SetNamePayload sets or replaces the identity's display name.
type SetNamePayload struct {
	DisplayName string `json:"displayName"`
}

// SetDJPayload toggles broadcaster status for the sender's identity.
type SetDJPayload struct {
	On bool `json:"on"`
}

// FollowPayload attaches the session to a broadcaster's timeline.
type FollowPayload struct {
	DJID string `json:"djId"`
}

// FriendPayload names the peer of a friend edge mutation.
type FriendPayload struct {
	FriendID string `json:"friendId"`
}

// PlaybackPayload is a full playback snapshot. Broadcasters send it without
// DJID; the relay tags the sender before fan-out. ServerTimestamp and the
// track/metadata fields are optional.
type PlaybackPayload struct {
	DJID            string  `json:"djId,omitempty"`
	Position        float64 `json:"position"`
	IsPlaying       bool    `json:"isPlaying"`
	ServerTimestamp float64 `json:"serverTimestamp,omitempty"`
	CatalogID       string  `json:"catalogId,omitempty"`
	LocalID         string  `json:"localId,omitempty"`
	Title           string  `json:"title,omitempty"`
	Artist          string  `json:"artist,omitempty"`
}

// ClockPingPayload carries the prober's local send time in unix seconds.
type ClockPingPayload struct {
	ClientTime float64 `json:"clientTime"`
}

// ClockPongPayload echoes the probe's send time alongside the responder's
// receive time, both in unix seconds.
type ClockPongPayload struct {
	ServerTime float64 `json:"serverTime"`
	Echo       float64 `json:"echo"`
}

// HelloPayload acknowledges a successful identify or setName.
type HelloPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// RequireNamePayload asks the client to (re)submit a display name.
type RequireNamePayload struct {
	Reason string `json:"reason,omitempty"`
}

// UserEntry is one row of a viewer's presence-filtered user list. IsDJ,
// Following and Online are computed for the viewer at push time.
type UserEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsDJ        bool   `json:"isDJ"`
	Following   string `json:"following,omitempty"`
	Online      bool   `json:"online"`
}

// UsersPayload delivers the viewer's user list.
type UsersPayload struct {
	Users []UserEntry `json:"users"`
}

// FriendEntry is one row of a friend list.
type FriendEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// FriendsPayload delivers the viewer's friend list.
type FriendsPayload struct {
	Friends []FriendEntry `json:"friends"`
}

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}
