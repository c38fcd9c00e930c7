package convert

import (
	"sort"
	"strings"

	"github.com/starford/laguz/internal/ir"
)

type inlineOpts struct {
	// lineStart escapes characters that would open a block construct.
	lineStart bool
	// table escapes '|' everywhere, including code spans.
	table bool
	// caption disables literal wikilink regions.
	caption bool
}

type marker struct {
	flag ir.Flag
	href string
}

var markerOrder = []ir.Flag{ir.FlagLink, ir.FlagBold, ir.FlagItalic, ir.FlagStrike}

func (m marker) flank() bool { return m.flag != ir.FlagLink }

func (m marker) opener() string {
	switch m.flag {
	case ir.FlagBold:
		return "**"
	case ir.FlagItalic:
		return "*"
	case ir.FlagStrike:
		return "~~"
	}
	return "["
}

func wants(f ir.Format, m marker) bool {
	switch m.flag {
	case ir.FlagBold:
		return f.Bold
	case ir.FlagItalic:
		return f.Italic
	case ir.FlagStrike:
		return f.Strike
	case ir.FlagLink:
		return f.Href != "" && f.Href == m.href
	}
	return false
}

type transition struct {
	closes []marker
	opens  []marker
}

// planMarkers computes the marker changes before each span and after the
// last one. Markers stay nested: a transition pops from the top until only
// desired markers remain, then pushes the missing ones, longest lasting first.
func planMarkers(spans []ir.Span) []transition {
	plan := make([]transition, len(spans)+1)
	var stack []marker
	for i := 0; i <= len(spans); i++ {
		var want ir.Format
		if i < len(spans) {
			want = spans[i].Format
		}
		low := -1
		for k, m := range stack {
			if !wants(want, m) {
				low = k
				break
			}
		}
		if low >= 0 {
			for len(stack) > low {
				plan[i].closes = append(plan[i].closes, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
		}
		if i == len(spans) {
			break
		}
		var missing []marker
		for _, f := range markerOrder {
			m := marker{flag: f}
			if f == ir.FlagLink {
				m.href = want.Href
			}
			if !wants(want, m) {
				continue
			}
			open := false
			for _, s := range stack {
				if s == m {
					open = true
				}
			}
			if !open {
				missing = append(missing, m)
			}
		}
		lasting := func(m marker) int {
			n := 0
			for k := i; k < len(spans) && wants(spans[k].Format, m); k++ {
				n++
			}
			return n
		}
		sort.SliceStable(missing, func(a, b int) bool { return lasting(missing[a]) > lasting(missing[b]) })
		plan[i].opens = missing
		stack = append(stack, missing...)
	}
	return plan
}

// renderInline writes spans as inline Markdown that parseInline reads back
// to the same spans.
func renderInline(spans []ir.Span, o inlineOpts) string {
	spans = ir.NormalizeSpans(spans)
	plan := planMarkers(spans)
	var b strings.Builder
	for i, sp := range spans {
		t := plan[i]
		for _, m := range t.closes {
			b.WriteString(closer(m, o))
		}
		for _, m := range t.opens {
			b.WriteString(m.opener())
		}
		if sp.Code {
			b.WriteString(codeSpan(sp.Text, o.table))
			continue
		}
		next := plan[i+1]
		e := escaper{
			table:     o.table,
			wikilinks: !o.caption && sp.Href == "",
			lineStart: o.lineStart && i == 0 && len(t.opens) == 0,
			startWS:   i == 0 && len(t.opens) == 0 || len(t.opens) > 0 && t.opens[len(t.opens)-1].flank(),
			endWS:     len(next.closes) > 0 && next.closes[0].flank() || i == len(spans)-1 && len(next.closes) == 0,
		}
		e.write(&b, sp.Text)
	}
	for _, m := range plan[len(spans)].closes {
		b.WriteString(closer(m, o))
	}
	return b.String()
}

func closer(m marker, o inlineOpts) string {
	if m.flag == ir.FlagLink {
		return "](" + destination(m.href, o.table) + ")"
	}
	return m.opener()
}

// destination renders a link or image target, switching to the <...> form
// when the target contains characters the bare form cannot hold.
func destination(href string, table bool) string {
	href = strings.ReplaceAll(href, "\n", "%0A")
	angle := href == "" || strings.ContainsAny(href, " \t()<>")
	var b strings.Builder
	if angle {
		b.WriteByte('<')
	}
	for i := 0; i < len(href); i++ {
		c := href[i]
		switch {
		case c == '\\' || angle && (c == '<' || c == '>'):
			b.WriteByte('\\')
		case c == '|' && table:
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	if angle {
		b.WriteByte('>')
	}
	return b.String()
}

// codeSpan fences text with one more backtick than its longest run.
func codeSpan(text string, table bool) string {
	longest, run := 0, 0
	for i := 0; i < len(text); i++ {
		if text[i] == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	fence := strings.Repeat("`", longest+1)
	if table {
		text = strings.ReplaceAll(text, "|", `\|`)
	}
	pad := text[0] == '`' || text[len(text)-1] == '`' ||
		len(text) >= 2 && text[0] == ' ' && text[len(text)-1] == ' ' && strings.Trim(text, " ") != ""
	if pad {
		return fence + " " + text + " " + fence
	}
	return fence + text + fence
}

type escaper struct {
	table     bool
	wikilinks bool
	lineStart bool
	// startWS and endWS encode boundary whitespace as a character reference,
	// either because the parser trims it or because a delimiter next to it
	// would stop flanking.
	startWS bool
	endWS   bool
}

func (e escaper) write(b *strings.Builder, s string) {
	i := 0
	if e.lineStart && s != "" && !(s[0] == ' ' || s[0] == '\t') {
		j := 0
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		switch {
		case j > 0 && j < len(s) && (s[j] == '.' || s[j] == ')'):
			b.WriteString(s[:j])
			b.WriteByte('\\')
			b.WriteByte(s[j])
			i = j + 1
		case j == 0 && strings.IndexByte("#>-+|=", s[0]) >= 0,
			j == 0 && strings.HasPrefix(s, "$$"):
			b.WriteByte('\\')
			b.WriteByte(s[0])
			i = 1
		}
	}
	for i < len(s) {
		c := s[i]
		if c == '[' && e.wikilinks && strings.HasPrefix(s[i:], "[[") {
			if end := wikilinkEnd(s, i); end > 0 {
				region := s[i:end]
				if e.table {
					region = strings.ReplaceAll(region, "|", `\|`)
				}
				b.WriteString(region)
				i = end
				continue
			}
		}
		switch {
		case c == '\n':
			b.WriteString("<br>")
		case (c == ' ' || c == '\t') && (i == 0 && e.startWS || i == len(s)-1 && e.endWS):
			if c == ' ' {
				b.WriteString("&#32;")
			} else {
				b.WriteString("&#9;")
			}
		case strings.IndexByte("\\*~`[]", c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '_':
			if i > 0 && i+1 < len(s) && isWord(s[i-1]) && isWord(s[i+1]) {
				b.WriteByte(c)
			} else {
				b.WriteString(`\_`)
			}
		case c == '<' && i+1 < len(s) && (isLetter(s[i+1]) || strings.IndexByte("/!?", s[i+1]) >= 0):
			b.WriteString(`\<`)
		case c == '&' && i+1 < len(s) && s[i+1] == '#':
			b.WriteString(`\&`)
		case c == '|' && e.table:
			b.WriteString(`\|`)
		case c == '!' && (i == len(s)-1 || s[i+1] == '['):
			b.WriteString(`\!`)
		default:
			b.WriteByte(c)
		}
		i++
	}
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
