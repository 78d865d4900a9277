package model

// Session is one live connection as seen in roster broadcasts.
// Device id is client-chosen and survives reconnects; session id is fresh
// per connect.
type Session struct {
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	CanReceive bool   `json:"can_receive"`
	Admin      bool   `json:"admin"`
}

type FileSummary struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message kinds. Inbound frames with any other tag are rejected.
const (
	KindHello    = "hello"
	KindWelcome  = "welcome"
	KindError    = "error"
	KindClients  = "clients"
	KindNote     = "note"
	KindMode     = "mode"
	KindKick     = "kick"
	KindFile     = "file"
	KindSettings = "settings"
)

// Envelope carries only the tag, so a frame can be decoded in two passes.
type Envelope struct {
	Kind string `json:"kind"`
}

// Hello is the first frame a client must send. CanReceive is a pointer so
// an absent field defaults to true instead of false.
type Hello struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	CanReceive *bool  `json:"can_receive"`
}

type Welcome struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	DeviceID  string `json:"device_id"`
	Admin     bool   `json:"admin"`
}

type ErrorFrame struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type Clients struct {
	Kind  string    `json:"kind"`
	Items []Session `json:"items"`
}

// Note is used in both directions: clients send text plus optional target
// session ids, the hub fans it out stamped with the sender.
type Note struct {
	Kind      string   `json:"kind"`
	Text      string   `json:"text"`
	From      string   `json:"from,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	To        []string `json:"to,omitempty"`
}

type Mode struct {
	Kind       string `json:"kind"`
	CanReceive bool   `json:"can_receive"`
}

type Kick struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Code   string `json:"code"`
}

// FileNotice tells addressed receivers that a file landed in the store.
type FileNotice struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	From string `json:"from,omitempty"`
}

type Settings struct {
	Kind         string `json:"kind"`
	SaveDir      string `json:"save_dir"`
	RequiresCode bool   `json:"requires_code"`
}

// Wire is the outbound half of a session. Frames are enqueued by the
// registry and marshalled by the connection's write loop. The registry
// closes TX when the session is unregistered.
type Wire struct {
	TX chan any
}

const wireBuffer = 32

func NewWire() Wire {
	return Wire{
		TX: make(chan any, wireBuffer),
	}
}
