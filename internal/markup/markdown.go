// Package markup converts the HTML body of a status into Markdown.
package markup

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

var (
	headingLine  = regexp.MustCompile(`^#{1,6}(\s|$)`)
	ruleLine     = regexp.MustCompile(`^\s*(-{3,}|={3,}|\*{3,}|_{3,})\s*$`)
	excessBreaks = regexp.MustCompile(`\n{3,}`)
)

// ToMarkdown renders an HTML fragment as Markdown. The output never contains
// heading or thematic-break lines, so it can be embedded in a larger document
// whose structure relies on them. Text is NFC normalized.
func ToMarkdown(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(raw), parent)
	if err != nil {
		return finish(raw)
	}
	var c converter
	for _, n := range nodes {
		c.node(n)
	}
	return finish(c.b.String())
}

// PlainText returns the visible text of an HTML fragment on a single line.
func PlainText(raw string) string {
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(raw), parent)
	if err != nil {
		return norm.NFC.String(strings.Join(strings.Fields(raw), " "))
	}
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(" ")
		b.WriteString(textContent(n))
	}
	return norm.NFC.String(strings.Join(strings.Fields(b.String()), " "))
}

type converter struct {
	b strings.Builder
}

func (c *converter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		c.text(n.Data)
	case html.ElementNode:
		c.element(n)
	case html.DocumentNode:
		c.children(n)
	}
}

func (c *converter) children(n *html.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.node(child)
	}
}

func (c *converter) element(n *html.Node) {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head:
	case atom.Br:
		c.b.WriteString("\n")
	case atom.P, atom.Div, atom.Section, atom.Article:
		c.block()
		c.children(n)
		c.block()
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		c.block()
		c.wrap("**", n)
		c.block()
	case atom.Hr:
		c.block()
		c.b.WriteString("* * *")
		c.block()
	case atom.Strong, atom.B:
		c.wrap("**", n)
	case atom.Em, atom.I:
		c.wrap("*", n)
	case atom.Del, atom.S:
		c.wrap("~~", n)
	case atom.Code:
		if code := strings.TrimSpace(textContent(n)); code != "" {
			c.b.WriteString("`" + code + "`")
		}
	case atom.Pre:
		c.block()
		c.b.WriteString("```\n" + strings.TrimRight(textContent(n), "\n") + "\n```")
		c.block()
	case atom.Blockquote:
		inner := render(n)
		if inner == "" {
			return
		}
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			if line == "" {
				lines[i] = ">"
			} else {
				lines[i] = "> " + line
			}
		}
		c.block()
		c.b.WriteString(strings.Join(lines, "\n"))
		c.block()
	case atom.Ul, atom.Ol:
		c.list(n)
	case atom.A:
		c.link(n)
	case atom.Img:
		if src := attr(n, "src"); src != "" {
			c.b.WriteString(fmt.Sprintf("![%s](%s)", attr(n, "alt"), src))
		}
	default:
		c.children(n)
	}
}

func (c *converter) list(n *html.Node) {
	ordered := n.DataAtom == atom.Ol
	c.block()
	index := 0
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		index++
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
		}
		inner := render(li)
		indent := strings.Repeat(" ", len(marker))
		lines := strings.Split(inner, "\n")
		for i := 1; i < len(lines); i++ {
			if lines[i] != "" {
				lines[i] = indent + lines[i]
			}
		}
		c.b.WriteString(marker + strings.Join(lines, "\n") + "\n")
	}
	c.block()
}

// link keeps mentions and hashtags as their visible text and collapses links
// whose text is the URL itself.
func (c *converter) link(n *html.Node) {
	href := strings.TrimSpace(attr(n, "href"))
	text := strings.Join(strings.Fields(textContent(n)), " ")
	switch {
	case hasClass(n, "mention"), hasClass(n, "hashtag"), strings.HasPrefix(text, "@"), strings.HasPrefix(text, "#"):
		c.text(text)
	case href == "":
		c.text(text)
	case text == "" || text == href || strings.TrimPrefix(strings.TrimPrefix(href, "https://"), "http://") == text:
		c.b.WriteString(href)
	default:
		c.b.WriteString("[" + text + "](" + href + ")")
	}
}

func (c *converter) wrap(marker string, n *html.Node) {
	inner := strings.TrimSpace(render(n))
	if inner == "" {
		return
	}
	c.b.WriteString(marker + inner + marker)
}

func (c *converter) text(s string) {
	s = collapseSpace(s)
	if s == "" {
		return
	}
	if c.atLineStart() {
		s = strings.TrimLeft(s, " ")
	}
	c.b.WriteString(s)
}

func (c *converter) atLineStart() bool {
	s := c.b.String()
	return s == "" || strings.HasSuffix(s, "\n")
}

// block ends the current paragraph.
func (c *converter) block() {
	s := c.b.String()
	switch {
	case s == "", strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		c.b.WriteString("\n")
	default:
		c.b.WriteString("\n\n")
	}
}

func render(n *html.Node) string {
	var sub converter
	sub.children(n)
	return strings.TrimSpace(excessBreaks.ReplaceAllString(trimLines(sub.b.String()), "\n\n"))
}

func finish(s string) string {
	lines := strings.Split(trimLines(s), "\n")
	for i, line := range lines {
		if headingLine.MatchString(line) || ruleLine.MatchString(line) {
			lines[i] = `\` + line
		}
	}
	out := excessBreaks.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return norm.NFC.String(strings.TrimSpace(out))
}

func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			return " "
		}
		return ""
	}
	out := strings.Join(fields, " ")
	if first, _ := utf8.DecodeRuneInString(s); unicode.IsSpace(first) {
		out = " " + out
	}
	if last, _ := utf8.DecodeLastRuneInString(s); unicode.IsSpace(last) {
		out += " "
	}
	return out
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && n.DataAtom == atom.Br {
		return "\n"
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(textContent(child))
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
