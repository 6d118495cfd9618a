package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Mention struct {
	ID   string `json:"id"`
	Acct string `json:"acct"`
}

type Attachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Item is one status of the mirrored account. The ID never changes; Body,
// Attachments and Tags can differ between fetches when the status is edited.
type Item struct {
	ID                 string
	CreatedAt          time.Time
	EditedAt           *time.Time
	URL                string
	Body               string
	SpoilerText        string
	InReplyToID        string
	InReplyToAccountID string
	Mentions           []Mention
	Attachments        []Attachment
	Tags               []string
	Visibility         string
	Sensitive          bool
}

func (i Item) IsReply() bool {
	return i.InReplyToID != ""
}

type wireStatus struct {
	ID                 string       `json:"id"`
	CreatedAt          string       `json:"created_at"`
	EditedAt           *string      `json:"edited_at"`
	URL                string       `json:"url"`
	URI                string       `json:"uri"`
	Content            string       `json:"content"`
	SpoilerText        string       `json:"spoiler_text"`
	InReplyToID        *string      `json:"in_reply_to_id"`
	InReplyToAccountID *string      `json:"in_reply_to_account_id"`
	Mentions           []Mention    `json:"mentions"`
	MediaAttachments   []Attachment `json:"media_attachments"`
	Tags               []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Visibility string `json:"visibility"`
	Sensitive  bool   `json:"sensitive"`
	Account    struct {
		ID string `json:"id"`
	} `json:"account"`
}

func decodeItem(raw json.RawMessage) (Item, error) {
	var w wireStatus
	if err := json.Unmarshal(raw, &w); err != nil {
		return Item{}, fmt.Errorf("decode status: %w", err)
	}
	return w.toItem()
}

func (w wireStatus) toItem() (Item, error) {
	id := strings.TrimSpace(w.ID)
	if !IsValidID(id) {
		return Item{}, fmt.Errorf("status id %q is not numeric", w.ID)
	}
	createdAt, err := ParseTimestamp(w.CreatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("status %s: %w", id, err)
	}
	item := Item{
		ID:          id,
		CreatedAt:   createdAt,
		URL:         strings.TrimSpace(w.URL),
		Body:        w.Content,
		SpoilerText: strings.TrimSpace(w.SpoilerText),
		Mentions:    w.Mentions,
		Attachments: w.MediaAttachments,
		Visibility:  w.Visibility,
		Sensitive:   w.Sensitive,
	}
	if item.URL == "" {
		item.URL = strings.TrimSpace(w.URI)
	}
	if w.EditedAt != nil && strings.TrimSpace(*w.EditedAt) != "" {
		editedAt, err := ParseTimestamp(*w.EditedAt)
		if err != nil {
			return Item{}, fmt.Errorf("status %s edited_at: %w", id, err)
		}
		item.EditedAt = &editedAt
	}
	if w.InReplyToID != nil {
		item.InReplyToID = strings.TrimSpace(*w.InReplyToID)
	}
	if w.InReplyToAccountID != nil {
		item.InReplyToAccountID = strings.TrimSpace(*w.InReplyToAccountID)
	}
	for _, tag := range w.Tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			item.Tags = append(item.Tags, name)
		}
	}
	return item, nil
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds and
// returns the instant in UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

func IsValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CompareIDs orders identifiers numerically without parsing them into a
// fixed-width integer. Empty sorts before everything.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func MaxID(ids ...string) string {
	best := ""
	for _, id := range ids {
		if id == "" {
			continue
		}
		if best == "" || CompareIDs(id, best) > 0 {
			best = id
		}
	}
	return best
}
