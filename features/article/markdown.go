package article

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements dropped together with their children.
var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Time:     true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Form:     true,
	atom.Button:   true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// Class tokens marking page chrome rather than article content. Matching is
// on whole tokens so "heading" or "address" are kept.
var noiseClasses = map[string]bool{
	"nav":           true,
	"navbar":        true,
	"navigation":    true,
	"breadcrumb":    true,
	"breadcrumbs":   true,
	"sidebar":       true,
	"header":        true,
	"footer":        true,
	"ad":            true,
	"ads":           true,
	"advert":        true,
	"advertisement": true,
	"timestamp":     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Section:    true,
	atom.Article:    true,
	atom.Main:       true,
	atom.Figure:     true,
	atom.Figcaption: true,
	atom.Dl:         true,
	atom.Dt:         true,
	atom.Dd:         true,
	atom.Details:    true,
	atom.Summary:    true,
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToMarkdown renders an article body as markdown with the volatile
// parts of the page removed.
func HTMLToMarkdown(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	c := &converter{}
	c.walk(doc)
	return c.String(), nil
}

type list struct {
	ordered bool
	index   int
}

type converter struct {
	sb    strings.Builder
	lists []list
	pre   bool
}

func (c *converter) String() string {
	lines := strings.Split(c.sb.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func (c *converter) walk(n *html.Node) {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		c.text(n.Data)
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] || hasNoiseClass(n) {
			return
		}
		c.element(n)
		return
	}
	c.children(n)
}

func (c *converter) children(n *html.Node) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.walk(ch)
	}
}

func (c *converter) element(n *html.Node) {
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		c.breakLine(2)
		c.sb.WriteString(strings.Repeat("#", level) + " ")
		c.sb.WriteString(c.inline(n))
		c.breakLine(2)
	case atom.Br:
		c.sb.WriteString("\n")
	case atom.Hr:
		c.breakLine(2)
		c.sb.WriteString("---")
		c.breakLine(2)
	case atom.Strong, atom.B:
		c.wrap(n, "**")
	case atom.Em, atom.I:
		c.wrap(n, "*")
	case atom.Code:
		if c.pre {
			c.children(n)
			return
		}
		c.wrap(n, "`")
	case atom.Pre:
		c.breakLine(2)
		c.sb.WriteString("```\n")
		c.pre = true
		c.children(n)
		c.pre = false
		c.breakLine(1)
		c.sb.WriteString("```")
		c.breakLine(2)
	case atom.A:
		c.link(n)
	case atom.Img:
		src := CanonicalURL(attr(n, "src"))
		if src != "" {
			c.sb.WriteString(fmt.Sprintf("![%s](%s)", collapseSpaces(attr(n, "alt")), src))
		}
	case atom.Ul, atom.Ol:
		c.breakLine(1)
		c.lists = append(c.lists, list{ordered: n.DataAtom == atom.Ol})
		c.children(n)
		c.lists = c.lists[:len(c.lists)-1]
		if len(c.lists) == 0 {
			c.breakLine(2)
		} else {
			c.breakLine(1)
		}
	case atom.Li:
		c.listItem(n)
	case atom.Table:
		c.breakLine(2)
		c.table(n)
		c.breakLine(2)
	case atom.Blockquote:
		sub := &converter{}
		sub.children(n)
		quoted := sub.String()
		if quoted == "" {
			return
		}
		c.breakLine(2)
		for _, line := range strings.Split(quoted, "\n") {
			c.sb.WriteString("> " + line + "\n")
		}
		c.breakLine(2)
	default:
		if blockElements[n.DataAtom] {
			c.breakLine(2)
			c.children(n)
			c.breakLine(2)
			return
		}
		c.children(n)
	}
}

func (c *converter) text(s string) {
	if c.pre {
		c.sb.WriteString(s)
		return
	}
	s = spaceRun.ReplaceAllString(s, " ")
	if s == "" {
		return
	}
	if c.atBoundary() {
		s = strings.TrimLeft(s, " ")
	}
	c.sb.WriteString(s)
}

func (c *converter) atBoundary() bool {
	out := c.sb.String()
	if out == "" {
		return true
	}
	last := out[len(out)-1]
	return last == '\n' || last == ' '
}

// breakLine makes sure the output ends with at least want newlines.
func (c *converter) breakLine(want int) {
	out := c.sb.String()
	if out == "" {
		return
	}
	have := 0
	for i := len(out) - 1; i >= 0 && (out[i] == '\n' || out[i] == ' '); i-- {
		if out[i] == '\n' {
			have++
		}
	}
	for ; have < want; have++ {
		c.sb.WriteByte('\n')
	}
}

// inline renders the children of n on a single line.
func (c *converter) inline(n *html.Node) string {
	sub := &converter{pre: c.pre}
	sub.children(n)
	return strings.Join(strings.Fields(sub.sb.String()), " ")
}

func (c *converter) wrap(n *html.Node, marker string) {
	inner := c.inline(n)
	if inner == "" {
		return
	}
	c.sb.WriteString(marker + inner + marker)
}

func (c *converter) link(n *html.Node) {
	text := c.inline(n)
	href := strings.TrimSpace(attr(n, "href"))
	switch {
	case text == "":
		return
	case href == "", strings.HasPrefix(href, "#"), strings.HasPrefix(strings.ToLower(href), "javascript:"):
		c.sb.WriteString(text)
	default:
		c.sb.WriteString(fmt.Sprintf("[%s](%s)", text, CanonicalURL(href)))
	}
}

func (c *converter) listItem(n *html.Node) {
	if len(c.lists) == 0 {
		c.breakLine(1)
		c.sb.WriteString("- ")
		c.children(n)
		c.breakLine(1)
		return
	}
	cur := &c.lists[len(c.lists)-1]
	cur.index++
	c.breakLine(1)
	c.sb.WriteString(strings.Repeat("  ", len(c.lists)-1))
	if cur.ordered {
		c.sb.WriteString(fmt.Sprintf("%d. ", cur.index))
	} else {
		c.sb.WriteString("- ")
	}
	c.children(n)
	c.breakLine(1)
}

func (c *converter) table(n *html.Node) {
	var rows [][]string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type != html.ElementNode {
				continue
			}
			switch ch.DataAtom {
			case atom.Tr:
				var cells []string
				for cell := ch.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						cells = append(cells, strings.ReplaceAll(c.inline(cell), "|", `\|`))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			case atom.Thead, atom.Tbody, atom.Tfoot:
				collect(ch)
			}
		}
	}
	collect(n)
	if len(rows) == 0 {
		return
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	for i, r := range rows {
		for len(r) < width {
			r = append(r, "")
		}
		c.sb.WriteString("| " + strings.Join(r, " | ") + " |\n")
		if i == 0 {
			c.sb.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasNoiseClass(n *html.Node) bool {
	for _, tok := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		if noiseClasses[tok] {
			return true
		}
	}
	return false
}
