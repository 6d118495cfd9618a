package archive

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tootsync/internal/feed"
	"github.com/agentworkforce/tootsync/internal/markup"
)

const (
	blockDelimiter = "---"
	sourceLabel    = "**Source**"
	replyLabel     = "**Reply**"
)

// Renderer turns statuses into archive blocks and standalone documents.
type Renderer struct {
	loc *time.Location
	// archiveMedia is the media folder as linked from the archive file;
	// documentMedia as linked from a per-item document.
	archiveMedia  string
	documentMedia string
}

// NewRenderer links media relative to the backup root for the archive and
// relative to postsDir for per-item documents. Both dirs are relative to the
// backup root.
func NewRenderer(loc *time.Location, postsDir, mediaDir string) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	mediaDir = filepath.ToSlash(filepath.Clean(mediaDir))
	documentMedia := path.Join("..", mediaDir)
	if rel, err := filepath.Rel(filepath.Clean(postsDir), filepath.FromSlash(mediaDir)); err == nil {
		documentMedia = filepath.ToSlash(rel)
	}
	return &Renderer{loc: loc, archiveMedia: mediaDir, documentMedia: documentMedia}
}

func (r *Renderer) Location() *time.Location {
	return r.loc
}

// Render builds the record for a freshly fetched item. media maps attachment
// id to the downloaded file name; attachments without a local file are left
// out.
func (r *Renderer) Render(item feed.Item, media map[string]string) (Record, error) {
	doc, err := r.Document(item, media)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        item.ID,
		CreatedAt: item.CreatedAt,
		Block:     r.Block(item, media),
		Document:  doc,
	}, nil
}

// Block renders the archive entry of an item. It always ends with the block
// delimiter line.
func (r *Renderer) Block(item feed.Item, media map[string]string) string {
	local := item.CreatedAt.In(r.loc)
	label := sourceLabel
	heading := fmt.Sprintf("## %s 📝 Post", local.Format("15:04"))
	if item.IsReply() {
		label = replyLabel
		heading = fmt.Sprintf("## %s 💬 Reply", local.Format("15:04"))
		if len(item.Mentions) > 0 && item.Mentions[0].Acct != "" {
			heading += " to @" + item.Mentions[0].Acct
		}
	}

	parts := []string{heading}
	if item.SpoilerText != "" {
		parts = append(parts, "**Content warning**: "+oneLine(item.SpoilerText))
	}
	parts = append(parts, strings.TrimRight("**Content**: "+markup.ToMarkdown(item.Body), " "))
	if links := r.attachmentLinks(item.Attachments, media, r.archiveMedia); len(links) > 0 {
		parts = append(parts, strings.Join(links, "\n"))
	}
	parts = append(parts, label+": "+item.URL, blockDelimiter)
	return strings.Join(parts, "\n\n") + "\n"
}

type frontmatter struct {
	ID                 string   `yaml:"id"`
	CreatedAt          string   `yaml:"createdAt"`
	EditedAt           string   `yaml:"editedAt,omitempty"`
	Source             string   `yaml:"source"`
	Type               string   `yaml:"type"`
	Tags               []string `yaml:"tags"`
	InReplyToID        string   `yaml:"inReplyToId,omitempty"`
	InReplyToAccountID string   `yaml:"inReplyToAccountId,omitempty"`
	Visibility         string   `yaml:"visibility,omitempty"`
	Sensitive          bool     `yaml:"sensitive,omitempty"`
}

// Document renders the standalone file of an item: YAML frontmatter, the
// body and an attachments section.
func (r *Renderer) Document(item feed.Item, media map[string]string) (string, error) {
	fm := frontmatter{
		ID:                 item.ID,
		CreatedAt:          item.CreatedAt.In(r.loc).Format("2006-01-02 15:04:05"),
		Source:             item.URL,
		Type:               "toot",
		Tags:               make([]string, 0, len(item.Tags)),
		InReplyToID:        item.InReplyToID,
		InReplyToAccountID: item.InReplyToAccountID,
		Visibility:         item.Visibility,
		Sensitive:          item.Sensitive,
	}
	if item.IsReply() {
		fm.Type = "reply"
	}
	if item.EditedAt != nil {
		fm.EditedAt = item.EditedAt.In(r.loc).Format("2006-01-02 15:04:05")
	}
	for _, tag := range item.Tags {
		fm.Tags = append(fm.Tags, "#"+tag)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", fmt.Errorf("encode frontmatter for %s: %w", item.ID, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode frontmatter for %s: %w", item.ID, err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(buf.Bytes())
	b.WriteString("---\n\n")
	if item.SpoilerText != "" {
		b.WriteString("**Content warning**: " + oneLine(item.SpoilerText) + "\n\n")
	}
	if body := markup.ToMarkdown(item.Body); body != "" {
		b.WriteString(body + "\n")
	}
	if links := r.attachmentLinks(item.Attachments, media, r.documentMedia); len(links) > 0 {
		b.WriteString("\n## Attachments\n\n")
		b.WriteString(strings.Join(links, "\n") + "\n")
	}
	return b.String(), nil
}

// DocumentName is the per-item file name: local creation time and id.
func (r *Renderer) DocumentName(rec Record) string {
	return rec.CreatedAt.In(r.loc).Format("2006-01-02_150405") + "_" + rec.ID + ".md"
}

func (r *Renderer) attachmentLinks(attachments []feed.Attachment, media map[string]string, dir string) []string {
	var links []string
	for _, att := range attachments {
		file, ok := media[att.ID]
		if !ok || file == "" {
			continue
		}
		target := path.Join(dir, file)
		switch att.Type {
		case "image":
			desc := oneLine(att.Description)
			if desc == "" {
				desc = "Image"
			}
			links = append(links, fmt.Sprintf("![%s](%s)", desc, target))
		case "video", "gifv":
			links = append(links, fmt.Sprintf("[Watch video](%s)", target))
		default:
			links = append(links, fmt.Sprintf("[View attachment](%s)", target))
		}
	}
	return links
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
