package bus

// Kind classifies message content. The relay core only understands these
// three kinds; transports normalize their platform payloads into them.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage || k == KindVideo
}

// InboundEvent is a normalized agent-channel event (e.g. a Telegram update).
// Transports collapse their platform-specific payload shapes (text vs. photo
// vs. video) into this single tagged union before it reaches the relay.
type InboundEvent struct {
	Channel  string // transport name, e.g. "telegram"
	ChatID   int64  // agent-side conversation identity
	TopicID  int64  // forum topic / sub-thread (0 = none)
	Kind     Kind
	Body     string // text content, or a file reference for image/video
	Caption  string // optional caption (image/video only)
	SenderID int64  // platform user who sent the message
	// ExternalMessageID is the message identity on the agent platform,
	// persisted alongside the stored message.
	ExternalMessageID int64
}

// OutboundMessage is a message for the agent channel to deliver.
type OutboundMessage struct {
	ChatID  int64
	TopicID int64 // 0 = none
	Kind    Kind
	Body    string // text content, or a local file path / URL for media
	Caption string
}
