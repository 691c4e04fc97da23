package models

import "time"

// MediaKind is the media type reported by the platform.
type MediaKind string

const (
	MediaPhoto       MediaKind = "photo"
	MediaVideo       MediaKind = "video"
	MediaAnimatedGIF MediaKind = "animated_gif"
)

// MediaVariant is one downloadable rendition of a video or GIF.
type MediaVariant struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	BitRate     int    `json:"bit_rate"`
}

// MediaRef describes one media attachment on a tweet. Photos carry a single
// URL; videos and GIFs carry a list of variants at different bit rates.
type MediaRef struct {
	Key      string         `json:"media_key"`
	Kind     MediaKind      `json:"type"`
	URL      string         `json:"url,omitempty"`
	AltText  string         `json:"alt_text,omitempty"`
	Variants []MediaVariant `json:"variants,omitempty"`
}

// Mention is a tweet that @-mentions the bot. Immutable once adapted from
// the wire; CreatedAt is zero when the platform omitted it.
type Mention struct {
	ID             string     `json:"id"`
	AuthorID       string     `json:"author_id"`
	AuthorUsername string     `json:"author_username,omitempty"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
}

// DirectMessage is an inbound DM addressed to the bot.
type DirectMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// User is the subset of a platform user record the bot needs.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// ItemKind distinguishes archived mention replies from DM replies.
type ItemKind string

const (
	ItemMention       ItemKind = "mention"
	ItemDirectMessage ItemKind = "dm"
)

// Reply records one dispatched reply for the archive.
type Reply struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	ItemKind  ItemKind  `json:"item_kind"`
	AuthorID  string    `json:"author_id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}
