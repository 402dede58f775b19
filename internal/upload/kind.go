package upload

import (
	"strings"

	"github.com/yarsha/chatsync/internal/store"
)

// KindFor infers the message kind from its attachments. A uniform set of
// images is an image message and animated gifs are their own kind; anything
// mixed or unrecognized degrades to a generic file message.
func KindFor(atts []store.Attachment) store.Kind {
	if len(atts) == 0 {
		return store.KindText
	}
	kind := kindForMime(atts[0].MimeType)
	for _, a := range atts[1:] {
		if kindForMime(a.MimeType) != kind {
			return store.KindFile
		}
	}
	return kind
}

func kindForMime(mime string) store.Kind {
	switch {
	case mime == "image/gif":
		return store.KindGif
	case strings.HasPrefix(mime, "image/"):
		return store.KindImage
	case strings.HasPrefix(mime, "video/"):
		return store.KindVideo
	default:
		return store.KindFile
	}
}
