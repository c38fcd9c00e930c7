package convert

import (
	"pgregory.net/rapid"

	"github.com/starford/laguz/internal/ir"
)

var (
	genText  = rapid.StringMatching(`[a-z0-9 *_~\[\]#\-.!\\<&|` + "`" + `]{1,8}`)
	genWord  = rapid.StringMatching(`[a-z][a-z ]{0,6}[a-z]`)
	genCode  = rapid.StringMatching("[a-z `~#>\\-\n]{0,12}")
	genHref  = rapid.SampledFrom([]string{"", "", "https://example.com", "https://example.com/a b", "/x(1)", `a\b`})
	genImage = rapid.SampledFrom([]string{"https://example.com/a.png", "https://example.com/a b.png", "img(1).png"})
	genIcon  = rapid.SampledFrom([]string{"", "💡", "⚠️"})
	genLang  = rapid.SampledFrom([]string{"", "go", "python", "javascript"})
)

func genSpans(t *rapid.T, label string, minLen int, inline bool) []ir.Span {
	n := rapid.IntRange(minLen, 4).Draw(t, label+"_n")
	spans := make([]ir.Span, n)
	for i := range spans {
		s := ir.Span{Text: genText.Draw(t, label+"_text")}
		s.Bold = rapid.Bool().Draw(t, label+"_bold")
		s.Italic = rapid.Bool().Draw(t, label+"_italic")
		s.Strike = rapid.Bool().Draw(t, label+"_strike")
		if inline {
			s.Code = rapid.Bool().Draw(t, label+"_code")
			s.Href = genHref.Draw(t, label+"_href")
		} else {
			s.Text = genWord.Draw(t, label+"_word")
		}
		spans[i] = s
	}
	return spans
}

// genBlocks draws a block tree the Markdown and remote forms can both hold.
func genBlocks(t *rapid.T, label string, depth int) []ir.Block {
	n := rapid.IntRange(1, 3).Draw(t, label+"_count")
	blocks := make([]ir.Block, n)
	for i := range blocks {
		blocks[i] = genBlock(t, label, depth)
	}
	return blocks
}

func genBlock(t *rapid.T, label string, depth int) ir.Block {
	kinds := []ir.BlockKind{
		ir.KindParagraph, ir.KindHeading, ir.KindBulleted, ir.KindNumbered, ir.KindTodo,
		ir.KindQuote, ir.KindCallout, ir.KindCode, ir.KindDivider, ir.KindImage, ir.KindTable,
	}
	b := ir.Block{Kind: rapid.SampledFrom(kinds).Draw(t, label+"_kind")}
	switch b.Kind {
	case ir.KindHeading:
		b.Level = rapid.IntRange(1, 3).Draw(t, label+"_level")
		b.Spans = genSpans(t, label, 1, true)
	case ir.KindCode:
		b.Language = genLang.Draw(t, label+"_lang")
		b.Spans = ir.Text(genCode.Draw(t, label+"_src"))
	case ir.KindDivider:
	case ir.KindImage:
		b.URL = genImage.Draw(t, label+"_url")
		b.Spans = genSpans(t, label, 0, false)
	case ir.KindTable:
		width := rapid.IntRange(1, 3).Draw(t, label+"_width")
		rows := rapid.IntRange(1, 3).Draw(t, label+"_rows")
		tbl := &ir.Table{HasHeader: rapid.Bool().Draw(t, label+"_header")}
		for r := 0; r < rows; r++ {
			row := make([][]ir.Span, width)
			for c := range row {
				row[c] = genSpans(t, label+"_cell", 0, true)
			}
			tbl.Rows = append(tbl.Rows, row)
		}
		b.Table = tbl
	default:
		b.Spans = genSpans(t, label, 1, true)
		if b.Kind == ir.KindTodo {
			b.Checked = rapid.Bool().Draw(t, label+"_checked")
		}
		if b.Kind == ir.KindCallout {
			b.Icon = genIcon.Draw(t, label+"_icon")
		}
		if b.Kind.AllowsChildren() && depth > 0 && rapid.Bool().Draw(t, label+"_nest") {
			b.Children = genBlocks(t, label+"_child", depth-1)
		}
	}
	return b
}
