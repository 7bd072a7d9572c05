package protocol

import "github.com/google/uuid"

// Protocol version window accepted by the server. The low word is the
// revision; clients within [VersionMin, VersionMax] can negotiate.
const (
	VersionCur uint32 = 0x00020000
	VersionMin uint32 = 0x00020000
	VersionMax uint32 = 0x0002ffff
)

const (
	// MaxUserChannels is the number of announcement slots per session.
	MaxUserChannels = 16

	// ChallengeSize is the byte size of the auth challenge.
	ChallengeSize = 8

	// MaxChatParams bounds the parameter list of a chat message.
	MaxChatParams = 6
)

// ClientCapLicenseAgreed is set in AuthReply.ClientCaps when the client
// has accepted the server license text.
const ClientCapLicenseAgreed uint32 = 1

// SilenceID is the all-zero transfer id. An interval carrying it denotes
// silence: it is relayed to subscribers but never tracked.
var SilenceID = uuid.UUID{}

// Message wraps all control plane messages. Exactly one field is set.
type Message struct {
	AuthChallenge   *AuthChallenge   `json:"auth_challenge,omitempty"`
	AuthReply       *AuthReply       `json:"auth_reply,omitempty"`
	AuthResult      *AuthResult      `json:"auth_result,omitempty"`
	ConfigChange    *ConfigChange    `json:"config_change,omitempty"`
	ChannelAnnounce *ChannelAnnounce `json:"channel_announce,omitempty"`
	UserInfoChange  *UserInfoChange  `json:"user_info_change,omitempty"`
	SubscribeMask   *SubscribeMask   `json:"subscribe_mask,omitempty"`
	IntervalBegin   *IntervalBegin   `json:"interval_begin,omitempty"`
	IntervalWrite   *IntervalWrite   `json:"interval_write,omitempty"`
	DownloadBegin   *DownloadBegin   `json:"download_begin,omitempty"`
	DownloadWrite   *DownloadWrite   `json:"download_write,omitempty"`
	Chat            *Chat            `json:"chat,omitempty"`
}

// ----- Auth -----

// AuthChallenge is the first message on any connection, server to client.
type AuthChallenge struct {
	Challenge       []byte `json:"challenge"` // ChallengeSize random bytes
	ProtocolVersion uint32 `json:"protocol_version"`
	ServerCaps      uint32 `json:"server_caps"`
	LicenseText     string `json:"license_agreement,omitempty"`
}

// AuthReply is the client's answer to the challenge.
type AuthReply struct {
	Username      string `json:"username"`
	PassHash      []byte `json:"passhash"` // hash(secret || challenge)
	ClientCaps    uint32 `json:"client_caps"`
	ClientVersion uint32 `json:"client_version"`
}

// AuthResult closes the handshake. On success Message carries the
// (possibly rewritten) username; on failure it carries the reason.
type AuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ----- Shared session state -----

// ConfigChange carries the group tempo.
type ConfigChange struct {
	BPM int `json:"bpm"`
	BPI int `json:"bpi"`
}

// ----- Channels -----

// ChannelDef is one announced channel slot, client to server. Slot index
// is positional within Channels.
type ChannelDef struct {
	Name   string `json:"name"`
	Volume int16  `json:"volume"`
	Pan    int8   `json:"pan"`
	Flags  uint8  `json:"flags"`
}

// ChannelAnnounce replaces the sender's whole announced channel list.
// Slots beyond len(Channels) are deactivated.
type ChannelAnnounce struct {
	Channels []ChannelDef `json:"channels"`
}

// ChannelState is one change record in a UserInfoChange broadcast.
type ChannelState struct {
	Active   bool   `json:"active"`
	Index    uint8  `json:"index"`
	Volume   int16  `json:"volume"`
	Pan      int8   `json:"pan"`
	Flags    uint8  `json:"flags"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// UserInfoChange carries coalesced channel activation records, server to
// client.
type UserInfoChange struct {
	Records []ChannelState `json:"records"`
}

// ----- Subscriptions -----

// SubscribeEntry selects which of a peer's channel slots the sender wants
// relayed. A zero mask removes the subscription.
type SubscribeEntry struct {
	Username string `json:"username"`
	Mask     uint32 `json:"mask"`
}

// SubscribeMask upserts subscription entries, client to server.
type SubscribeMask struct {
	Entries []SubscribeEntry `json:"entries"`
}

// ----- Audio intervals -----

// IntervalBegin opens an audio interval upload, client to server.
type IntervalBegin struct {
	ChannelIndex  uint8     `json:"channel_index"`
	ContentTag    uint32    `json:"content_tag"` // opaque codec fourcc; 0 allowed
	ID            uuid.UUID `json:"id"`
	EstimatedSize uint32    `json:"estimated_size"`
}

// IntervalWriteEndFlag marks the last chunk of an interval.
const IntervalWriteEndFlag uint8 = 1

// IntervalWrite carries one payload chunk of an open interval, client to
// server. The payload is opaque to the server.
type IntervalWrite struct {
	ID    uuid.UUID `json:"id"`
	Flags uint8     `json:"flags"`
	Data  []byte    `json:"data"`
}

// DownloadBegin mirrors IntervalBegin downstream, tagged with the
// uploader's username.
type DownloadBegin struct {
	Username      string    `json:"username"`
	ChannelIndex  uint8     `json:"channel_index"`
	ContentTag    uint32    `json:"content_tag"`
	ID            uuid.UUID `json:"id"`
	EstimatedSize uint32    `json:"estimated_size"`
}

// DownloadWrite mirrors IntervalWrite downstream. The payload bytes are
// forwarded verbatim.
type DownloadWrite struct {
	ID    uuid.UUID `json:"id"`
	Flags uint8     `json:"flags"`
	Data  []byte    `json:"data"`
}

// ----- Chat -----

// Chat is a verb-plus-parameters message used for chat and the admin
// command surface in both directions. Params[0] is the verb.
type Chat struct {
	Params []string `json:"params"`
}

// NewChat builds a chat message from its parameters.
func NewChat(params ...string) *Message {
	return &Message{Chat: &Chat{Params: params}}
}

// Param returns the i-th parameter or "" when absent.
func (c *Chat) Param(i int) string {
	if c == nil || i < 0 || i >= len(c.Params) {
		return ""
	}
	return c.Params[i]
}
