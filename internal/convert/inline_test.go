package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/starford/laguz/internal/ir"
)

func TestParseInline(t *testing.T) {
	bold := ir.Format{Bold: true}
	italic := ir.Format{Italic: true}
	link := "https://example.com"

	tests := []struct {
		name string
		src  string
		want []ir.Span
	}{
		{"plain", "hello", []ir.Span{{Text: "hello"}}},
		{"bold", "**a**", []ir.Span{{Text: "a", Format: bold}}},
		{"italic underscore", "_a_", []ir.Span{{Text: "a", Format: italic}}},
		{"intraword underscore", "snake_case_name", []ir.Span{{Text: "snake_case_name"}}},
		{"strike", "~~gone~~", []ir.Span{{Text: "gone", Format: ir.Format{Strike: true}}}},
		{"single tilde is literal", "~a~", []ir.Span{{Text: "~a~"}}},
		{"bold italic", "***a***", []ir.Span{{Text: "a", Format: ir.Format{Bold: true, Italic: true}}}},
		{"nested", "**a *b* c**", []ir.Span{
			{Text: "a ", Format: bold},
			{Text: "b", Format: ir.Format{Bold: true, Italic: true}},
			{Text: " c", Format: bold},
		}},
		{"code span", "use `x*y`", []ir.Span{{Text: "use "}, {Text: "x*y", Format: ir.Format{Code: true}}}},
		{"code span with backticks", "`` a`b ``", []ir.Span{{Text: "a`b", Format: ir.Format{Code: true}}}},
		{"link", "[docs](https://example.com)", []ir.Span{{Text: "docs", Format: ir.Format{Href: link}}}},
		{"link with bold", "[the **docs**](https://example.com)", []ir.Span{
			{Text: "the ", Format: ir.Format{Href: link}},
			{Text: "docs", Format: ir.Format{Bold: true, Href: link}},
		}},
		{"angle destination", "[a](<x y>)", []ir.Span{{Text: "a", Format: ir.Format{Href: "x y"}}}},
		{"escapes", `\*not\* \[x\]`, []ir.Span{{Text: "*not* [x]"}}},
		{"entity", "a&#32;b&#x41;", []ir.Span{{Text: "a bA"}}},
		{"break", "a<br>b", []ir.Span{{Text: "a\nb"}}},
		{"wikilink is literal", "see [[Page|alias]] here", []ir.Span{{Text: "see [[Page|alias]] here"}}},
		{"wikilink keeps stars", "[[a*b*c]]", []ir.Span{{Text: "[[a*b*c]]"}}},
		{"unclosed bold", "**a", []ir.Span{{Text: "**a"}}},
		{"spaced stars", "a * b * c", []ir.Span{{Text: "a * b * c"}}},
		{"autolink", "<https://example.com>", []ir.Span{{Text: "https://example.com", Format: ir.Format{Href: link}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInline(tt.src))
		})
	}
}

func TestRenderInline(t *testing.T) {
	tests := []struct {
		name  string
		spans []ir.Span
		opts  inlineOpts
		want  string
	}{
		{"plain", ir.Text("hello"), inlineOpts{}, "hello"},
		{"escapes markers", ir.Text("a* _b"), inlineOpts{}, `a\* \_b`},
		{"intraword underscore", ir.Text("snake_case"), inlineOpts{}, "snake_case"},
		{"line start heading", ir.Text("# no"), inlineOpts{lineStart: true}, `\# no`},
		{"line start ordinal", ir.Text("1. no"), inlineOpts{lineStart: true}, `1\. no`},
		{"table pipe", ir.Text("a|b"), inlineOpts{table: true}, `a\|b`},
		{"newline", ir.Text("a\nb"), inlineOpts{}, "a<br>b"},
		{"edge whitespace", ir.Text(" a "), inlineOpts{}, "&#32;a&#32;"},
		{"bold", []ir.Span{{Text: "a", Format: ir.Format{Bold: true}}}, inlineOpts{}, "**a**"},
		{"overlap", []ir.Span{
			{Text: "a", Format: ir.Format{Bold: true}},
			{Text: "b", Format: ir.Format{Bold: true, Italic: true}},
			{Text: "c", Format: ir.Format{Italic: true}},
		}, inlineOpts{}, "**a*b****c*"},
		{"link", []ir.Span{{Text: "x", Format: ir.Format{Href: "a b"}}}, inlineOpts{}, "[x](<a b>)"},
		{"code with backtick", []ir.Span{{Text: "a`b", Format: ir.Format{Code: true}}}, inlineOpts{}, "``a`b``"},
		{"image bang", ir.Text("wow![[x]]"), inlineOpts{lineStart: true}, `wow\![[x]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderInline(tt.spans, tt.opts))
		})
	}
}

func TestRenderInline_OverlapParsesBack(t *testing.T) {
	spans := []ir.Span{
		{Text: "one ", Format: ir.Format{Bold: true}},
		{Text: "two", Format: ir.Format{Bold: true, Italic: true}},
		{Text: " three", Format: ir.Format{Italic: true}},
	}
	assert.Equal(t, spans, parseInline(renderInline(spans, inlineOpts{})))
}
