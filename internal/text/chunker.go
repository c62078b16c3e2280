// Package text splits article markdown into retrieval-sized chunks.
package text

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Token counts are estimated at four characters per token.
const charsPerToken = 4

type ChunkType string

const (
	ChunkTypeProse ChunkType = "prose"
	ChunkTypeCode  ChunkType = "code"
)

type ChunkResult struct {
	Content  string
	Heading  string
	Type     ChunkType
	Language string
}

var (
	fenceRe   = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n(.*?)\n[ \t]*```")
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
)

func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + charsPerToken - 1) / charsPerToken
}

// ChunkMarkdown splits text into chunks of at most maxTokens. Chunks never
// span a heading. Consecutive prose chunks of one section share roughly
// overlap tokens. Fenced code blocks are kept whole when they fit and split
// by line otherwise.
func ChunkMarkdown(text string, maxTokens, overlap int) []ChunkResult {
	if maxTokens <= 0 {
		return nil
	}
	overlap = min(max(overlap, 0), maxTokens/2)
	p := packer{maxChars: maxTokens * charsPerToken, overlapChars: overlap * charsPerToken}

	for _, b := range splitBlocks(text) {
		if b.heading != "" {
			p.flush()
			p.carry = ""
			p.heading = b.heading
		}
		for _, piece := range b.pieces(p.maxChars, p.overlapChars) {
			p.add(piece, b.code, b.lang)
		}
	}
	p.flush()
	return p.out
}

type block struct {
	text    string
	heading string
	code    bool
	lang    string
	body    string
}

// pieces returns the block cut into parts no longer than maxChars. Prose
// parts leave room for the overlap carried into the next chunk.
func (b block) pieces(maxChars, overlapChars int) []string {
	if len(b.text) <= maxChars {
		return []string{b.text}
	}
	if !b.code {
		room := max(maxChars-overlapChars-2, 1)
		var out []string
		for _, line := range strings.Split(b.text, "\n") {
			out = append(out, splitWords(line, room)...)
		}
		return out
	}

	open, closing := "```"+b.lang+"\n", "\n```"
	room := max(maxChars-len(open)-len(closing), 1)
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(b.body, "\n") {
		for _, part := range splitWords(line, room) {
			if cur.Len() > 0 && cur.Len()+len(part)+1 > room {
				out = append(out, open+cur.String()+closing)
				cur.Reset()
			}
			if cur.Len() > 0 {
				cur.WriteByte('\n')
			}
			cur.WriteString(part)
		}
	}
	if cur.Len() > 0 {
		out = append(out, open+cur.String()+closing)
	}
	return out
}

// splitBlocks cuts markdown into fenced code blocks and paragraphs. A
// heading line always starts a new block.
func splitBlocks(text string) []block {
	var out []block
	last := 0
	for _, m := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, paragraphs(text[last:m[0]])...)
		out = append(out, block{text: text[m[0]:m[1]], code: true, lang: text[m[2]:m[3]], body: text[m[4]:m[5]]})
		last = m[1]
	}
	return append(out, paragraphs(text[last:])...)
}

func paragraphs(s string) []block {
	var out []block
	var cur []string
	heading := ""
	emit := func() {
		if t := strings.TrimSpace(strings.Join(cur, "\n")); t != "" {
			out = append(out, block{text: t, heading: heading})
		}
		cur, heading = nil, ""
	}

	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			emit()
		case headingRe.MatchString(trimmed):
			emit()
			heading = headingRe.FindStringSubmatch(trimmed)[1]
			cur = append(cur, trimmed)
		default:
			cur = append(cur, strings.TrimRight(line, " \t"))
		}
	}
	emit()
	return out
}

// splitWords cuts a line at word boundaries into parts of at most maxChars.
// Words longer than maxChars are cut at rune boundaries.
func splitWords(line string, maxChars int) []string {
	if len(line) <= maxChars {
		return []string{line}
	}
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(line) {
		for len(w) > maxChars {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(w[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(w)
			}
			out = append(out, w[:cut])
			w = w[cut:]
		}
		if cur.Len() > 0 && cur.Len()+len(w)+1 > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

type packer struct {
	maxChars     int
	overlapChars int
	heading      string

	parts []string
	size  int
	code  bool
	lang  string
	carry string
	out   []ChunkResult
}

func (p *packer) add(piece string, code bool, lang string) {
	if len(p.parts) > 0 && p.size+len(piece)+2 > p.maxChars {
		p.flush()
	}
	if len(p.parts) == 0 {
		p.code, p.lang = code, lang
		if p.carry != "" && !code && len(p.carry)+len(piece)+2 <= p.maxChars {
			p.parts, p.size = []string{p.carry}, len(p.carry)
		}
		p.carry = ""
	}
	if !code {
		p.code = false
		p.lang = ""
	}
	if len(p.parts) > 0 {
		p.size += 2
	}
	p.parts = append(p.parts, piece)
	p.size += len(piece)
}

func (p *packer) flush() {
	if len(p.parts) == 0 {
		return
	}
	content := strings.Join(p.parts, "\n\n")
	last := p.parts[len(p.parts)-1]
	p.parts, p.size = nil, 0

	if isHeadingOnly(content) {
		return
	}
	typ := ChunkTypeProse
	if p.code {
		typ = ChunkTypeCode
	}
	p.out = append(p.out, ChunkResult{Content: content, Heading: p.heading, Type: typ, Language: p.lang})
	if !strings.HasPrefix(last, "```") {
		p.carry = tail(content, p.overlapChars)
	}
}

// tail returns at most n trailing characters of s, starting at a word.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return ""
	}
	t := s[len(s)-n:]
	i := strings.IndexAny(t, " \n\t")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(t[i+1:])
}

func isHeadingOnly(content string) bool {
	return !strings.Contains(content, "\n") && headingRe.MatchString(content)
}
