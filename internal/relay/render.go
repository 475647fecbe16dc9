package relay

import (
	"html"
	"strings"

	"anonroom/internal/storage"
	"anonroom/internal/transport"
)

// previewRunes bounds the text excerpt shown for a replied-to message.
const previewRunes = 30

var kindPlaceholders = map[transport.MediaKind]string{
	transport.MediaPhoto:     "[Photo]",
	transport.MediaVideo:     "[Video]",
	transport.MediaAnimation: "[GIF]",
	transport.MediaSticker:   "[Sticker]",
	transport.MediaVoice:     "[Voice]",
}

// SenderLabel is the header line shown above every rendered copy: the
// sender's display name plus the vendor badge when set.
func SenderLabel(u storage.User) string {
	name := u.Name
	if name == "" {
		name = "anonymous"
	}
	if u.Vendor {
		return name + " [VENDOR]"
	}
	return name
}

// Preview is the short excerpt of a replied-to message: a leading
// substring for text, a fixed placeholder for everything else.
func Preview(m storage.Message) string {
	if m.MediaKind == transport.MediaText || m.MediaKind == "" {
		runes := []rune(m.Content)
		if len(runes) <= previewRunes {
			return m.Content
		}
		return string(runes[:previewRunes]) + "…"
	}
	if p, ok := kindPlaceholders[m.MediaKind]; ok {
		return p
	}
	return "[Media]"
}

// Render builds the recipient-facing copy of a message: header, optional
// reply preview, body. replied == nil omits the preview silently. The
// result is HTML for the gateway's HTML parse mode; user-supplied text is
// escaped.
func Render(sender storage.User, m storage.Message, replied *storage.Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(SenderLabel(sender)))
	b.WriteString("</b>")

	if replied != nil {
		b.WriteString("\n<blockquote>")
		b.WriteString(html.EscapeString(Preview(*replied)))
		b.WriteString("</blockquote>")
	}

	if m.Content != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(m.Content))
	}
	return b.String()
}
