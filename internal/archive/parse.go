package archive

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/tootsync/internal/feed"
)

var (
	dayHeader   = regexp.MustCompile(`(?m)^# (\d{4}-\d{2}-\d{2})[ \t]*$`)
	blockHeader = regexp.MustCompile(`(?m)^## (\d{2}):(\d{2}) `)
	sourceLine  = regexp.MustCompile(`(?m)^\*\*(?:Source|Reply)\*\*: (\S+)[ \t]*$`)
	trailingID  = regexp.MustCompile(`(\d+)/?$`)
)

// RenderArchive produces the full archive text: one "# YYYY-MM-DD" section
// per day, newest day first, each followed by its blocks.
func RenderArchive(records Records, loc *time.Location) string {
	days := GroupByDay(records, loc)
	sections := make([]string, 0, len(days))
	for _, day := range days {
		blocks := make([]string, 0, len(day.Records))
		for _, rec := range day.Records {
			blocks = append(blocks, normalizeBlock(rec.Block))
		}
		sections = append(sections, "# "+day.Date+"\n\n"+strings.Join(blocks, "\n"))
	}
	return strings.Join(sections, "\n")
}

// ParseArchive reconstructs records from archive text. The id of each block
// comes from its source link. Text before the first day header, blocks
// without a source link and blocks cut off before their delimiter are
// dropped. When two blocks carry the same id the later one wins.
func ParseArchive(text string, loc *time.Location) Records {
	if loc == nil {
		loc = time.UTC
	}
	records := Records{}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	days := dayHeader.FindAllStringSubmatchIndex(text, -1)
	for i, m := range days {
		end := len(text)
		if i+1 < len(days) {
			end = days[i+1][0]
		}
		date, err := time.ParseInLocation("2006-01-02", text[m[2]:m[3]], loc)
		if err != nil {
			continue
		}
		for _, rec := range parseDay(text[m[1]:end], date) {
			records[rec.ID] = rec
		}
	}
	return records
}

func parseDay(body string, date time.Time) []Record {
	heads := blockHeader.FindAllStringSubmatchIndex(body, -1)
	out := make([]Record, 0, len(heads))
	for i, m := range heads {
		end := len(body)
		if i+1 < len(heads) {
			end = heads[i+1][0]
		}
		block, ok := cutAtDelimiter(body[m[0]:end])
		if !ok {
			continue
		}
		hour, _ := strconv.Atoi(body[m[2]:m[3]])
		minute, _ := strconv.Atoi(body[m[4]:m[5]])
		if hour > 23 || minute > 59 {
			continue
		}
		id := blockID(block)
		if id == "" {
			continue
		}
		out = append(out, Record{
			ID:        id,
			CreatedAt: time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location()).UTC(),
			Block:     block,
		})
	}
	return out
}

// cutAtDelimiter trims a block to its last delimiter line.
func cutAtDelimiter(block string) (string, bool) {
	lines := strings.Split(block, "\n")
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimRight(lines[i], " \t") == blockDelimiter {
			return normalizeBlock(strings.Join(lines[:i+1], "\n")), true
		}
	}
	return "", false
}

// blockID extracts the status id from the last source line of a block.
func blockID(block string) string {
	matches := sourceLine.FindAllStringSubmatch(block, -1)
	if len(matches) == 0 {
		return ""
	}
	link := matches[len(matches)-1][1]
	if parsed, err := url.Parse(link); err == nil && parsed.Path != "" {
		link = parsed.Path
	}
	m := trailingID.FindStringSubmatch(link)
	if m == nil || !feed.IsValidID(m[1]) {
		return ""
	}
	return m[1]
}

func normalizeBlock(block string) string {
	return strings.TrimRight(block, " \t\r\n") + "\n"
}
