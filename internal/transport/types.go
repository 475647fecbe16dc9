package transport

import "context"

// MediaKind classifies a canonical message body.
type MediaKind string

const (
	MediaText      MediaKind = "text"
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaSticker   MediaKind = "sticker"
	MediaVoice     MediaKind = "voice"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateCommand UpdateKind = "command"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Command *Command
}

// Message is an inbound post from one member's private chat with the bot.
type Message struct {
	ID           int
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	MediaKind    MediaKind
	MediaRef     string // gateway file reference for non-text kinds
	// ReplyToID is the gateway message id of the rendered copy the member
	// replied to, in their own chat. It still needs reverse-mapping to a
	// canonical id.
	ReplyToID int
}

type Command struct {
	MessageID    int
	FromID       int64
	FromUsername string
	FromName     string
	Name         string // without leading slash
	Args         []string
	// ReplyToID carries the replied-to gateway message id for commands
	// that act on a message (/pin, /delete).
	ReplyToID int
}

// MessageRef is the delivery handle for one rendered copy: the recipient
// chat plus the gateway message id inside it. Gateway message ids are only
// unique per chat, so the pair is the opaque handle the rest of the system
// stores and reverse-maps.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// Parse modes understood by the gateway.
const (
	ParsePlain = ""
	ParseHTML  = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Gateway delivers, edits and deletes individual recipient-facing
// renderings. Every call is independently fallible; callers must not retry
// automatically.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to int64, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia covers photo/video/animation/sticker/voice; the caption is
	// ignored for kinds that cannot carry one.
	SendMedia(ctx context.Context, to int64, kind MediaKind, fileRef, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	Delete(ctx context.Context, ref MessageRef) error
}
