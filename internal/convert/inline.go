package convert

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/starford/laguz/internal/ir"
)

// Inline grammar
//
//	**bold**  *italic* (_italic_, __bold__ accepted)  ~~strike~~  `code`
//	[text](href)  [text](<href with spaces>)  <scheme:autolink>
//	[[wikilink]] is literal text, \x escapes ASCII punctuation,
//	&#NN; decodes a code point, <br> is a line break.
//
// Parsing collects delimiter tokens, pairs them on a stack and turns every
// pair into an ir.Mark; ir.Resolve then merges the marks into runs.

type tokKind uint8

const (
	tokText tokKind = iota
	tokCode
	tokAutolink
	tokDelim
	tokLinkOpen
	tokLinkClose
)

type token struct {
	kind tokKind
	text string // literal text, code content, autolink url, or raw source of a link close
	href string

	ch       byte
	n        int
	canOpen  bool
	canClose bool

	closeUsed int
	paired    bool
}

type pair struct {
	open, close int
	flag        ir.Flag
	href        string
}

type stackEntry struct {
	tok   int
	ch    byte
	flags []ir.Flag
}

type inlineParser struct {
	src   string
	toks  []token
	stack []stackEntry
	pairs []pair
}

// parseInline parses one block's inline source into normalized spans.
func parseInline(src string) []ir.Span {
	lines := strings.Split(src, "\n")
	for i, l := range lines {
		lines[i] = strings.Trim(l, " \t")
	}
	p := &inlineParser{src: strings.Join(lines, "\n")}
	p.tokenize()
	p.pairDelims()
	return p.build()
}

func isPunct(c byte) bool {
	return c < utf8.RuneSelf && strings.IndexByte("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", c) >= 0
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' }

// isWord treats non-ASCII bytes as word characters.
func isWord(c byte) bool {
	return c >= utf8.RuneSelf || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func (p *inlineParser) text(s string) {
	if n := len(p.toks); n > 0 && p.toks[n-1].kind == tokText {
		p.toks[n-1].text += s
		return
	}
	p.toks = append(p.toks, token{kind: tokText, text: s})
}

func (p *inlineParser) tokenize() {
	s := p.src
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && isPunct(s[i+1]):
			p.text(s[i+1 : i+2])
			i += 2
		case c == '&':
			if r, n := decodeEntity(s[i:]); n > 0 {
				p.text(r)
				i += n
				continue
			}
			p.text("&")
			i++
		case c == '<':
			if n := matchBreak(s[i:]); n > 0 {
				p.text("\n")
				i += n
				continue
			}
			if url, n := matchAutolink(s[i:]); n > 0 {
				p.toks = append(p.toks, token{kind: tokAutolink, text: url})
				i += n
				continue
			}
			p.text("<")
			i++
		case c == '`':
			n := runLength(s, i, '`')
			if content, end, ok := matchCodeSpan(s, i, n); ok {
				p.toks = append(p.toks, token{kind: tokCode, text: content})
				i = end
				continue
			}
			p.text(s[i : i+n])
			i += n
		case c == '[':
			if strings.HasPrefix(s[i:], "[[") {
				if end := wikilinkEnd(s, i); end > 0 {
					p.text(s[i:end])
					i = end
					continue
				}
			}
			p.toks = append(p.toks, token{kind: tokLinkOpen})
			i++
		case c == ']':
			if href, end, ok := parseLinkTarget(s, i+1); ok {
				p.toks = append(p.toks, token{kind: tokLinkClose, href: href, text: s[i:end]})
				i = end
				continue
			}
			p.text("]")
			i++
		case c == '*' || c == '_' || c == '~':
			n := runLength(s, i, c)
			if c == '~' && n != 2 {
				p.text(s[i : i+n])
				i += n
				continue
			}
			prev, next := byte(' '), byte(' ')
			if i > 0 {
				prev = s[i-1]
			}
			if i+n < len(s) {
				next = s[i+n]
			}
			t := token{kind: tokDelim, ch: c, n: n, canOpen: !isSpace(next), canClose: !isSpace(prev)}
			if c == '_' {
				t.canOpen = t.canOpen && !isWord(prev)
				t.canClose = t.canClose && !isWord(next)
			}
			p.toks = append(p.toks, t)
			i += n
		default:
			j := i + 1
			for j < len(s) && strings.IndexByte("\\&<`[]*_~", s[j]) < 0 {
				j++
			}
			p.text(s[i:j])
			i = j
		}
	}
}

func runLength(s string, i int, c byte) int {
	n := 0
	for i+n < len(s) && s[i+n] == c {
		n++
	}
	return n
}

func decodeEntity(s string) (string, int) {
	if !strings.HasPrefix(s, "&#") {
		return "", 0
	}
	end := strings.IndexByte(s, ';')
	if end < 3 || end > 10 {
		return "", 0
	}
	body := s[2:end]
	base := 10
	if body[0] == 'x' || body[0] == 'X' {
		body, base = body[1:], 16
	}
	v, err := strconv.ParseUint(body, base, 32)
	if err != nil || body == "" || !utf8.ValidRune(rune(v)) || v == 0 {
		return "", 0
	}
	return string(rune(v)), end + 1
}

func matchBreak(s string) int {
	for _, form := range []string{"<br>", "<br/>", "<br />"} {
		if len(s) >= len(form) && strings.EqualFold(s[:len(form)], form) {
			return len(form)
		}
	}
	return 0
}

func matchAutolink(s string) (string, int) {
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", 0
	}
	body := s[1:end]
	colon := strings.IndexByte(body, ':')
	if colon < 2 || colon > 32 || strings.ContainsAny(body, " \t\n<") {
		return "", 0
	}
	for k := 0; k < colon; k++ {
		c := body[k]
		letter := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		if !(letter || k > 0 && (c >= '0' && c <= '9' || c == '+' || c == '.' || c == '-')) {
			return "", 0
		}
	}
	return body, end + 1
}

// matchCodeSpan finds the closing run of exactly n backticks.
func matchCodeSpan(s string, i, n int) (string, int, bool) {
	j := i + n
	for j < len(s) {
		k := strings.IndexByte(s[j:], '`')
		if k < 0 {
			return "", 0, false
		}
		j += k
		m := runLength(s, j, '`')
		if m == n {
			content := strings.ReplaceAll(s[i+n:j], "\n", " ")
			if len(content) >= 2 && content[0] == ' ' && content[len(content)-1] == ' ' && strings.Trim(content, " ") != "" {
				content = content[1 : len(content)-1]
			}
			return content, j + m, true
		}
		j += m
	}
	return "", 0, false
}

// wikilinkEnd returns the offset after the "]]" closing a "[[" at i, or 0.
func wikilinkEnd(s string, i int) int {
	k := strings.Index(s[i+2:], "]]")
	if k < 0 {
		return 0
	}
	if strings.IndexByte(s[i+2:i+2+k], '\n') >= 0 {
		return 0
	}
	return i + 2 + k + 2
}

// parseLinkTarget parses "(href)" starting at i and returns the end offset.
func parseLinkTarget(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '(' {
		return "", 0, false
	}
	j := i + 1
	var href strings.Builder
	if j < len(s) && s[j] == '<' {
		j++
		for j < len(s) && s[j] != '>' {
			if s[j] == '\n' || s[j] == '<' {
				return "", 0, false
			}
			if s[j] == '\\' && j+1 < len(s) && isPunct(s[j+1]) {
				j++
			}
			href.WriteByte(s[j])
			j++
		}
		if j >= len(s) {
			return "", 0, false
		}
		j++
	} else {
		depth := 0
		for j < len(s) && !isSpace(s[j]) {
			c := s[j]
			if c == '(' {
				depth++
			} else if c == ')' {
				if depth == 0 {
					break
				}
				depth--
			}
			if c == '\\' && j+1 < len(s) && isPunct(s[j+1]) {
				j++
				c = s[j]
			}
			href.WriteByte(c)
			j++
		}
	}
	// Optional title.
	for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
		j++
	}
	if j < len(s) && (s[j] == '"' || s[j] == '\'') {
		q := s[j]
		k := strings.IndexByte(s[j+1:], q)
		if k < 0 {
			return "", 0, false
		}
		j += k + 2
		for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
			j++
		}
	}
	if j >= len(s) || s[j] != ')' {
		return "", 0, false
	}
	return href.String(), j + 1, true
}

func flagWidth(f ir.Flag) int {
	if f == ir.FlagBold || f == ir.FlagStrike {
		return 2
	}
	return 1
}

func flagsForWidth(n int) []ir.Flag {
	switch n {
	case 1:
		return []ir.Flag{ir.FlagItalic}
	case 2:
		return []ir.Flag{ir.FlagBold}
	case 3:
		return []ir.Flag{ir.FlagBold, ir.FlagItalic}
	}
	return nil
}

func hasFlag(flags []ir.Flag, f ir.Flag) bool {
	for _, g := range flags {
		if g == f {
			return true
		}
	}
	return false
}

func (p *inlineParser) pairDelims() {
	for t := range p.toks {
		switch p.toks[t].kind {
		case tokDelim:
			if p.toks[t].ch == '~' {
				p.resolveStrike(t)
			} else {
				p.resolveEmphasis(t)
			}
		case tokLinkOpen:
			p.stack = append(p.stack, stackEntry{tok: t, ch: '['})
		case tokLinkClose:
			for k := len(p.stack) - 1; k >= 0; k-- {
				if p.stack[k].ch != '[' {
					continue
				}
				open := p.stack[k].tok
				p.toks[open].paired = true
				p.toks[t].paired = true
				p.pairs = append(p.pairs, pair{open: open, close: t, flag: ir.FlagLink, href: p.toks[t].href})
				p.stack = p.stack[:k]
				break
			}
		}
	}
}

func (p *inlineParser) resolveStrike(t int) {
	tk := &p.toks[t]
	if n := len(p.stack); n > 0 && p.stack[n-1].ch == '~' && tk.canClose {
		open := p.stack[n-1].tok
		tk.closeUsed = 2
		p.pairs = append(p.pairs, pair{open: open, close: t, flag: ir.FlagStrike})
		p.stack = p.stack[:n-1]
		return
	}
	for _, e := range p.stack {
		if e.ch == '~' {
			return
		}
	}
	if tk.canOpen {
		p.stack = append(p.stack, stackEntry{tok: t, ch: '~', flags: []ir.Flag{ir.FlagStrike}})
	}
}

type closeOption struct {
	pops    int     // whole entries closed from the top
	partial ir.Flag // flag closed from a two-flag entry below the popped ones
	hasPart bool
	closed  []ir.Flag
	chars   int
}

// resolveEmphasis splits a run of '*' or '_' into closers followed by openers.
// Options are tried from the fewest closing characters up. A flag closed by
// the run may only be reopened by it when both flags were closed, which is
// how a renderer steps out of an outer marker while keeping the inner one.
func (p *inlineParser) resolveEmphasis(t int) {
	tk := &p.toks[t]
	options := []closeOption{{}}
	if tk.canClose {
		chars := 0
		var closed []ir.Flag
		for depth := 1; depth <= len(p.stack); depth++ {
			e := p.stack[len(p.stack)-depth]
			if e.ch != tk.ch {
				break
			}
			if len(e.flags) == 2 {
				for _, f := range []ir.Flag{ir.FlagItalic, ir.FlagBold} {
					options = append(options, closeOption{
						pops: depth - 1, partial: f, hasPart: true,
						closed: append(append([]ir.Flag(nil), closed...), f),
						chars:  chars + flagWidth(f),
					})
				}
			}
			for _, f := range e.flags {
				chars += flagWidth(f)
				closed = append(closed, f)
			}
			options = append(options, closeOption{pops: depth, closed: append([]ir.Flag(nil), closed...), chars: chars})
		}
	}
	sort.SliceStable(options, func(i, j int) bool { return options[i].chars < options[j].chars })

	for _, strict := range []bool{true, false} {
		for _, o := range options {
			if o.chars > tk.n {
				continue
			}
			rest := tk.n - o.chars
			// In the lenient pass leftover characters stay literal.
			var open []ir.Flag
			if rest > 0 && strict {
				if !tk.canOpen || rest > 3 {
					continue
				}
				open = flagsForWidth(rest)
			}
			if !p.openable(t, o, open) {
				continue
			}
			p.apply(t, o, open)
			return
		}
	}
}

// openable reports whether open can start after o's closes.
func (p *inlineParser) openable(t int, o closeOption, open []ir.Flag) bool {
	if len(open) == 0 {
		return o.chars > 0
	}
	ch := p.toks[t].ch
	remaining := p.stack[:len(p.stack)-o.pops]
	for k, e := range remaining {
		if e.ch != ch {
			continue
		}
		for _, f := range e.flags {
			if o.hasPart && k == len(remaining)-1 && f == o.partial {
				continue
			}
			if hasFlag(open, f) {
				return false
			}
		}
	}
	reopened := 0
	for _, f := range open {
		if hasFlag(o.closed, f) {
			reopened++
		}
	}
	return reopened == 0 || len(o.closed) >= 2 && reopened < len(o.closed)
}

func (p *inlineParser) apply(t int, o closeOption, open []ir.Flag) {
	tk := &p.toks[t]
	for k := 0; k < o.pops; k++ {
		e := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		for _, f := range e.flags {
			p.pairs = append(p.pairs, pair{open: e.tok, close: t, flag: f})
		}
	}
	if o.hasPart {
		e := &p.stack[len(p.stack)-1]
		p.pairs = append(p.pairs, pair{open: e.tok, close: t, flag: o.partial})
		var keep []ir.Flag
		for _, f := range e.flags {
			if f != o.partial {
				keep = append(keep, f)
			}
		}
		e.flags = keep
	}
	tk.closeUsed = o.chars
	if len(open) > 0 {
		p.stack = append(p.stack, stackEntry{tok: t, ch: tk.ch, flags: open})
	}
}

// build lays out the output text, then converts pairs into marks. Opening
// characters of a run that never closes fall back to literal text.
func (p *inlineParser) build() []ir.Span {
	closedOpen := make(map[int]int) // token -> opening chars actually paired
	for _, pr := range p.pairs {
		if pr.flag == ir.FlagLink {
			continue
		}
		closedOpen[pr.open] += flagWidth(pr.flag)
	}

	var out strings.Builder
	openAt := make([]int, len(p.toks))
	closeAt := make([]int, len(p.toks))
	var marks []ir.Mark
	for i, tk := range p.toks {
		switch tk.kind {
		case tokText:
			out.WriteString(tk.text)
		case tokCode:
			start := out.Len()
			out.WriteString(tk.text)
			marks = append(marks, ir.Mark{Start: start, End: out.Len(), Flag: ir.FlagCode})
		case tokAutolink:
			start := out.Len()
			out.WriteString(tk.text)
			marks = append(marks, ir.Mark{Start: start, End: out.Len(), Flag: ir.FlagLink, Href: tk.text})
		case tokLinkOpen:
			if !tk.paired {
				out.WriteString("[")
			}
			openAt[i] = out.Len()
		case tokLinkClose:
			closeAt[i] = out.Len()
			if !tk.paired {
				out.WriteString("]")
				out.WriteString(strings.TrimPrefix(tk.text, "]"))
			}
		case tokDelim:
			closeAt[i] = out.Len()
			literal := tk.n - tk.closeUsed - closedOpen[i]
			out.WriteString(strings.Repeat(string(tk.ch), literal))
			openAt[i] = out.Len()
		}
	}
	for _, pr := range p.pairs {
		marks = append(marks, ir.Mark{Start: openAt[pr.open], End: closeAt[pr.close], Flag: pr.flag, Href: pr.href})
	}
	return ir.Resolve(out.String(), marks)
}
