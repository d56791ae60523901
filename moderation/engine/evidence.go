package engine

import (
	"slices"
	"strings"
)

// Evidence is a raw submission message plus the context it arrived in.
type Evidence struct {
	ID          string       `json:"id"`
	GuildID     string       `json:"guild_id,omitempty"`
	ChannelID   string       `json:"channel_id"`
	ChannelName string       `json:"channel_name"`
	AuthorID    string       `json:"author_id"`
	AuthorBot   bool         `json:"author_bot,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Markers already placed on the message by the engine (eg, the pending marker).
	Markers []string `json:"markers,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (ev *Evidence) HasImage() bool {
	for _, a := range ev.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return true
		}
	}
	return false
}

func (ev *Evidence) HasMarker(marker string) bool {
	return slices.Contains(ev.Markers, marker)
}

// Classification is the classifier's verdict for accepted evidence.
type Classification struct {
	BasePoints    int64
	Beneficiaries []string
}
