package domain

import "time"

// Platform names. Exactly one adapter exists per transport.
const (
	PlatformTelegram = "telegram"
	PlatformBridge   = "bridge"
)

// Route is the provisional mode classification an adapter attaches to a
// message before dispatch. The zero value means "explicit command from the
// controlling identity".
type Route string

const (
	RouteCommand  Route = ""
	RouteOff      Route = "off"
	RouteSilent   Route = "silent"
	RouteNatural  Route = "natural"
	RouteBusiness Route = "business"
)

// ChatMode is the persisted operating mode of a chat.
type ChatMode string

const (
	ModeOff      ChatMode = "off"
	ModeSilent   ChatMode = "silent"
	ModeNatural  ChatMode = "natural"
	ModeBusiness ChatMode = "business"
)

// ValidChatMode reports whether s names a known chat mode.
func ValidChatMode(s string) bool {
	switch ChatMode(s) {
	case ModeOff, ModeSilent, ModeNatural, ModeBusiness:
		return true
	}
	return false
}

// Message is the immutable, transport-agnostic value every adapter produces
// for an inbound event. Owned solely by the dispatcher once emitted.
type Message struct {
	ID          string
	Platform    string
	ChatID      string
	ChatName    string
	SenderID    string
	SenderName  string
	IsSelf      bool
	Text        string
	RouteAs     Route
	Attachments []string
	Timestamp   time.Time
}
