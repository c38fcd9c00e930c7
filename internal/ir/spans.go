package ir

import (
	"sort"
	"strings"
)

// Flag is one inline annotation kind used by Mark.
type Flag uint8

const (
	FlagBold Flag = iota
	FlagItalic
	FlagStrike
	FlagCode
	FlagLink
	flagCount
)

// Mark applies a flag to the byte range [Start, End) of a text.
type Mark struct {
	Start int
	End   int
	Flag  Flag
	Href  string
}

type boundary struct {
	pos  int
	open bool
	mark int
}

// Resolve turns overlapping marks over text into a non-overlapping run list.
//
// Every mark contributes an open and a close boundary. Boundaries are swept in
// position order and one span is emitted per maximal interval that contains no
// boundary, carrying the union of flags active over it. When link marks nest,
// the innermost (latest starting) href wins. The result is normalized.
func Resolve(text string, marks []Mark) []Span {
	if text == "" {
		return nil
	}
	events := make([]boundary, 0, 2*len(marks))
	for i, m := range marks {
		start, end := max(m.Start, 0), min(m.End, len(text))
		if start >= end || m.Flag >= flagCount {
			continue
		}
		events = append(events, boundary{pos: start, open: true, mark: i}, boundary{pos: end, mark: i})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].pos < events[j].pos })

	var counts [flagCount]int
	var links []int
	var spans []Span
	emit := func(lo, hi int) {
		f := Format{
			Bold:   counts[FlagBold] > 0,
			Italic: counts[FlagItalic] > 0,
			Strike: counts[FlagStrike] > 0,
			Code:   counts[FlagCode] > 0,
		}
		if len(links) > 0 {
			inner := links[0]
			for _, l := range links[1:] {
				if marks[l].Start >= marks[inner].Start {
					inner = l
				}
			}
			f.Href = marks[inner].Href
		}
		spans = append(spans, Span{Text: text[lo:hi], Format: f})
	}

	cursor := 0
	for i := 0; i < len(events); {
		pos := events[i].pos
		if pos > cursor {
			emit(cursor, pos)
			cursor = pos
		}
		for ; i < len(events) && events[i].pos == pos; i++ {
			ev := events[i]
			m := marks[ev.mark]
			if ev.open {
				counts[m.Flag]++
				if m.Flag == FlagLink {
					links = append(links, ev.mark)
				}
				continue
			}
			counts[m.Flag]--
			if m.Flag == FlagLink {
				for j, l := range links {
					if l == ev.mark {
						links = append(links[:j], links[j+1:]...)
						break
					}
				}
			}
		}
	}
	if cursor < len(text) {
		emit(cursor, len(text))
	}
	return NormalizeSpans(spans)
}

// NormalizeSpans drops empty runs, never lets a newline carry the code flag,
// and merges neighbours with identical formatting.
func NormalizeSpans(spans []Span) []Span {
	var out []Span
	push := func(s Span) {
		if s.Text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Format == s.Format {
			out[n-1].Text += s.Text
			return
		}
		out = append(out, s)
	}
	for _, s := range spans {
		if !s.Code || !strings.Contains(s.Text, "\n") {
			push(s)
			continue
		}
		plain := s
		plain.Code = false
		plain.Text = "\n"
		for i, part := range strings.Split(s.Text, "\n") {
			if i > 0 {
				push(plain)
			}
			s.Text = part
			push(s)
		}
	}
	return out
}

// NormalizeBlocks puts a block tree into canonical form. Converters call it
// on every tree they produce so that equal content compares equal.
func NormalizeBlocks(blocks []Block) []Block {
	var out []Block
	for _, b := range blocks {
		switch b.Kind {
		case KindCode:
			b.Spans = Text(PlainText(b.Spans))
		case KindDivider:
			b.Spans = nil
		default:
			b.Spans = NormalizeSpans(b.Spans)
		}
		if b.Kind != KindHeading {
			b.Level = 0
		}
		if b.Kind != KindTodo {
			b.Checked = false
		}
		b.Children = NormalizeBlocks(b.Children)
		if b.Kind == KindTable && b.Table != nil {
			b.Table = normalizeTable(b.Table)
		}
		if b.Kind == KindParagraph && len(b.Spans) == 0 && len(b.Children) == 0 {
			continue
		}
		out = append(out, b)
	}
	return out
}

func normalizeTable(t *Table) *Table {
	width := t.Width()
	nt := &Table{HasHeader: t.HasHeader}
	for _, row := range t.Rows {
		cells := make([][]Span, width)
		for i := range cells {
			if i < len(row) {
				cells[i] = NormalizeSpans(row[i])
			}
		}
		nt.Rows = append(nt.Rows, cells)
	}
	return nt
}
