package convert

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/laguz/internal/ir"
)

// RemoteBlockFence is the info string of a fenced block holding a remote
// block that has no Markdown form.
const RemoteBlockFence = "notion-block"

var (
	reHeading  = regexp.MustCompile(`^(#{1,6})(?:[ \t]+(.*?))?[ \t]*$`)
	reNumbered = regexp.MustCompile(`^([0-9]{1,9})[.)](?:[ \t]+|$)`)
	reCallout  = regexp.MustCompile(`^\[!([A-Za-z0-9_-]+)(?:\|([^\]]*))?\][+-]?(?:[ \t]+(.*))?$`)
	reFootnote = regexp.MustCompile(`^\[\^[^\]]+\]:`)
	reEmbed    = regexp.MustCompile(`^!\[\[[^\n]*\]\]$`)
)

// RenderBlocks renders a block tree as a Markdown body. Blocks are separated
// by one blank line and the result ends with a newline unless it is empty.
func RenderBlocks(blocks []ir.Block) string {
	s := renderBlocks(blocks)
	if s == "" {
		return ""
	}
	return s + "\n"
}

func renderBlocks(blocks []ir.Block) string {
	parts := make([]string, 0, len(blocks))
	n := 0
	for _, b := range blocks {
		if b.Kind == ir.KindNumbered {
			n++
		} else {
			n = 0
		}
		parts = append(parts, renderBlock(b, n))
	}
	return strings.Join(parts, "\n\n")
}

func renderBlock(b ir.Block, ordinal int) string {
	text := func(lineStart bool) string {
		return renderInline(b.Spans, inlineOpts{lineStart: lineStart})
	}
	switch b.Kind {
	case ir.KindParagraph:
		return text(true)
	case ir.KindHeading:
		head := strings.Repeat("#", min(max(b.Level, 1), 3))
		if t := text(false); t != "" {
			return head + " " + t
		}
		return head
	case ir.KindBulleted:
		return listItem("-", text(true), b.Children, 2)
	case ir.KindNumbered:
		marker := strconv.Itoa(ordinal) + "."
		return listItem(marker, text(true), b.Children, len(marker)+1)
	case ir.KindTodo:
		marker := "- [ ]"
		if b.Checked {
			marker = "- [x]"
		}
		return listItem(marker, text(true), b.Children, 2)
	case ir.KindQuote:
		head := ">"
		if t := text(true); t != "" {
			head = "> " + t
		}
		return quoted(head, b.Children)
	case ir.KindCallout:
		head := "> [!callout"
		if b.Icon != "" {
			head += "|" + b.Icon
		}
		head += "]"
		if t := text(false); t != "" {
			head += " " + t
		}
		return quoted(head, b.Children)
	case ir.KindCode:
		return fenced(sanitizeInfo(b.Language), ir.PlainText(b.Spans))
	case ir.KindDivider:
		return "---"
	case ir.KindImage:
		return "![" + renderInline(b.Spans, inlineOpts{caption: true}) + "](" + destination(b.URL, false) + ")"
	case ir.KindTable:
		return renderTable(b.Table)
	case ir.KindUnsupported:
		if b.Raw == nil {
			return ""
		}
		if b.Raw.Origin == ir.OriginRemote {
			return fenced(RemoteBlockFence, b.Raw.Payload)
		}
		return b.Raw.Payload
	}
	return ""
}

func listItem(marker, text string, children []ir.Block, width int) string {
	head := marker
	if text != "" {
		head += " " + text
	}
	if len(children) == 0 {
		return head
	}
	return head + "\n\n" + indent(renderBlocks(children), strings.Repeat(" ", width))
}

func quoted(head string, children []ir.Block) string {
	if len(children) == 0 {
		return head
	}
	lines := strings.Split(renderBlocks(children), "\n")
	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n>")
	for _, l := range lines {
		b.WriteString("\n>")
		if l != "" {
			b.WriteString(" ")
			b.WriteString(l)
		}
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

func longestRun(s string, c byte) int {
	longest, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return longest
}

func fenced(info, content string) string {
	fence := strings.Repeat("`", max(3, longestRun(content, '`')+1))
	return fence + info + "\n" + content + "\n" + fence
}

func sanitizeInfo(lang string) string {
	return strings.TrimSpace(strings.NewReplacer("`", "", "\n", " ").Replace(lang))
}

func renderTable(t *ir.Table) string {
	if t == nil {
		return ""
	}
	width := max(t.Width(), 1)
	row := func(cells [][]ir.Span) string {
		var b strings.Builder
		b.WriteString("|")
		for i := 0; i < width; i++ {
			var cell []ir.Span
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" ")
			b.WriteString(renderInline(cell, inlineOpts{table: true}))
			b.WriteString(" |")
		}
		return b.String()
	}
	rows := t.Rows
	var header [][]ir.Span
	delim := "-"
	if t.HasHeader && len(rows) > 0 {
		header, rows = rows[0], rows[1:]
		delim = "---"
	}
	lines := []string{row(header), "|" + strings.Repeat(" "+delim+" |", width)}
	for _, r := range rows {
		lines = append(lines, row(r))
	}
	return strings.Join(lines, "\n")
}

// ParseBlocks parses a Markdown body into a normalized block tree. Constructs
// without a block kind become local unsupported blocks carrying their source.
func ParseBlocks(src string) []ir.Block {
	src = strings.TrimRight(src, "\n")
	if src == "" {
		return nil
	}
	return ir.NormalizeBlocks(parseLines(strings.Split(src, "\n")))
}

func isBlank(line string) bool { return strings.TrimSpace(line) == "" }

// indentWidth counts leading columns; a tab advances to the next multiple of 4.
func indentWidth(line string) int {
	w := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ':
			w++
		case '\t':
			w += 4 - w%4
		default:
			return w
		}
	}
	return w
}

// dedent removes up to width columns of leading whitespace.
func dedent(line string, width int) string {
	col, i := 0, 0
	for i < len(line) && col < width {
		switch line[i] {
		case ' ':
			col++
		case '\t':
			col = width
		default:
			return line[i:]
		}
		i++
	}
	return line[i:]
}

func localRaw(lines []string) ir.Block {
	return ir.Block{Kind: ir.KindUnsupported, Raw: &ir.Raw{Origin: ir.OriginLocal, Payload: strings.Join(lines, "\n")}}
}

func parseLines(lines []string) []ir.Block {
	var out []ir.Block
	for i := 0; i < len(lines); {
		line := lines[i]
		if isBlank(line) {
			i++
			continue
		}
		if indentWidth(line) >= 4 {
			j := i + 1
			for j < len(lines) && (isBlank(lines[j]) || indentWidth(lines[j]) >= 4) {
				j++
			}
			for isBlank(lines[j-1]) {
				j--
			}
			out = append(out, localRaw(lines[i:j]))
			i = j
			continue
		}
		b, next := parseBlock(lines, i)
		out = append(out, b...)
		i = next
	}
	return out
}

// parseBlock parses the block starting at lines[i] and returns the index of
// the first line after it.
func parseBlock(lines []string, i int) ([]ir.Block, int) {
	lead := len(lines[i]) - len(strings.TrimLeft(lines[i], " "))
	line := lines[i][lead:]

	if ch, n, info, ok := fenceOpen(line); ok {
		return parseFence(lines, i, lead, ch, n, info)
	}
	if strings.HasPrefix(line, "$$") {
		j := i + 1
		if !(len(strings.TrimSpace(line)) > 2 && strings.HasSuffix(strings.TrimSpace(line), "$$")) {
			for j < len(lines) && !strings.HasSuffix(strings.TrimSpace(lines[j]), "$$") {
				j++
			}
			j = min(j+1, len(lines))
		}
		return []ir.Block{localRaw(lines[i:j])}, j
	}
	if m := reHeading.FindStringSubmatch(line); m != nil {
		if len(m[1]) > 3 {
			return []ir.Block{localRaw(lines[i : i+1])}, i + 1
		}
		return []ir.Block{{Kind: ir.KindHeading, Level: len(m[1]), Spans: parseInline(m[2])}}, i + 1
	}
	if isDivider(line) {
		return []ir.Block{{Kind: ir.KindDivider}}, i + 1
	}
	if reEmbed.MatchString(strings.TrimSpace(line)) {
		return []ir.Block{localRaw(lines[i : i+1])}, i + 1
	}
	if strings.HasPrefix(line, ">") {
		return parseQuote(lines, i)
	}
	if isHTMLStart(line) || reFootnote.MatchString(line) {
		j := i + 1
		for j < len(lines) && !isBlank(lines[j]) {
			j++
		}
		return []ir.Block{localRaw(lines[i:j])}, j
	}
	if strings.HasPrefix(line, "|") && i+1 < len(lines) && isDelimRow(lines[i+1]) {
		return parseTable(lines, i)
	}
	if _, _, _, _, ok := listMarker(line); ok {
		return parseListItem(lines, i, lead)
	}
	return parseParagraph(lines, i)
}

func fenceOpen(line string) (byte, int, string, bool) {
	if len(line) < 3 || line[0] != '`' && line[0] != '~' {
		return 0, 0, "", false
	}
	ch := line[0]
	n := runLength(line, 0, ch)
	if n < 3 {
		return 0, 0, "", false
	}
	info := strings.TrimSpace(line[n:])
	if ch == '`' && strings.IndexByte(info, '`') >= 0 {
		return 0, 0, "", false
	}
	return ch, n, info, true
}

func isFenceClose(line string, ch byte, n int) bool {
	line = strings.TrimLeft(line, " ")
	m := runLength(line, 0, ch)
	return m >= n && strings.TrimSpace(line[m:]) == ""
}

func parseFence(lines []string, i, lead int, ch byte, n int, info string) ([]ir.Block, int) {
	var content []string
	j := i + 1
	for ; j < len(lines); j++ {
		if indentWidth(lines[j]) < 4 && isFenceClose(lines[j], ch, n) {
			break
		}
		content = append(content, dedent(lines[j], lead))
	}
	next := min(j+1, len(lines))
	body := strings.Join(content, "\n")
	if info == RemoteBlockFence {
		return []ir.Block{{Kind: ir.KindUnsupported, Raw: &ir.Raw{Origin: ir.OriginRemote, Payload: body}}}, next
	}
	return []ir.Block{{Kind: ir.KindCode, Language: info, Spans: ir.Text(body)}}, next
}

func isDivider(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.IndexByte("-*_", line[0]) < 0 {
		return false
	}
	c, n := line[0], 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case c:
			n++
		case ' ', '\t':
		default:
			return false
		}
	}
	return n >= 3
}

func isHTMLStart(line string) bool {
	return len(line) > 1 && line[0] == '<' && (isLetter(line[1]) || strings.IndexByte("/!?", line[1]) >= 0)
}

// listMarker recognizes "- ", "* ", "+ ", "N. ", "N) " and task boxes.
func listMarker(line string) (kind ir.BlockKind, width int, rest string, checked bool, ok bool) {
	if isDivider(line) {
		return "", 0, "", false, false
	}
	if line != "" && strings.IndexByte("-*+", line[0]) >= 0 && (len(line) == 1 || line[1] == ' ' || line[1] == '\t') {
		rest = strings.TrimLeft(line[1:], " \t")
		if len(rest) >= 3 && rest[0] == '[' && rest[2] == ']' && strings.IndexByte(" xX", rest[1]) >= 0 &&
			(len(rest) == 3 || rest[3] == ' ' || rest[3] == '\t') {
			return ir.KindTodo, 2, strings.TrimLeft(rest[3:], " \t"), rest[1] != ' ', true
		}
		return ir.KindBulleted, 2, rest, false, true
	}
	if m := reNumbered.FindString(line); m != "" {
		digits := strings.TrimRight(m, " \t")
		return ir.KindNumbered, len(digits) + 1, line[len(m):], false, true
	}
	return "", 0, "", false, false
}

// interrupts reports whether line starts a new block in place of
// continuing a paragraph.
func interrupts(line string) bool {
	if isBlank(line) || indentWidth(line) >= 4 {
		return isBlank(line)
	}
	line = strings.TrimLeft(line, " ")
	if _, _, _, ok := fenceOpen(line); ok {
		return true
	}
	if _, _, _, _, ok := listMarker(line); ok {
		return true
	}
	return reHeading.MatchString(line) || isDivider(line) || strings.HasPrefix(line, ">") || strings.HasPrefix(line, "$$")
}

func parseListItem(lines []string, i, lead int) ([]ir.Block, int) {
	kind, width, rest, checked, _ := listMarker(lines[i][lead:])
	width += lead
	j := i + 1
	last := i
	for j < len(lines) {
		if isBlank(lines[j]) {
			j++
			continue
		}
		if indentWidth(lines[j]) == 0 {
			break
		}
		j++
		last = j - 1
	}
	body := make([]string, 0, last-i)
	for _, l := range lines[i+1 : last+1] {
		body = append(body, dedent(l, width))
	}
	// Lines directly under the marker line continue the item's text.
	k := 0
	text := []string{rest}
	for k < len(body) && !interrupts(body[k]) {
		text = append(text, body[k])
		k++
	}
	b := ir.Block{Kind: kind, Checked: checked, Spans: parseInline(strings.Join(text, "\n"))}
	b.Children = parseLines(body[k:])
	return []ir.Block{b}, last + 1
}

func parseQuote(lines []string, i int) ([]ir.Block, int) {
	var inner []string
	j := i
	for j < len(lines) {
		l := strings.TrimLeft(lines[j], " ")
		if !strings.HasPrefix(l, ">") || indentWidth(lines[j]) >= 4 {
			break
		}
		l = l[1:]
		if strings.HasPrefix(l, " ") {
			l = l[1:]
		}
		inner = append(inner, l)
		j++
	}

	b := ir.Block{Kind: ir.KindQuote}
	k := 0
	var text []string
	switch m := reCallout.FindStringSubmatch(inner[0]); {
	case m != nil:
		b.Kind = ir.KindCallout
		b.Icon = m[2]
		text = append(text, m[3])
		k = 1
		for k < len(inner) && !interrupts(inner[k]) {
			text = append(text, inner[k])
			k++
		}
	case isBlank(inner[0]):
		k = 1
	case !interrupts(inner[0]):
		for k < len(inner) && !interrupts(inner[k]) {
			text = append(text, inner[k])
			k++
		}
	}
	b.Spans = parseInline(strings.Join(text, "\n"))
	b.Children = parseLines(inner[k:])
	return []ir.Block{b}, j
}

// splitRow splits a table row on unescaped pipes and unescapes \| in cells.
func splitRow(line string) []string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "|")
	if strings.HasSuffix(s, "|") && !strings.HasSuffix(s, `\|`) {
		s = s[:len(s)-1]
	}
	var cells []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' && (i == 0 || s[i-1] != '\\') {
			cells = append(cells, s[start:i])
			start = i + 1
		}
	}
	cells = append(cells, s[start:])
	for i, c := range cells {
		cells[i] = strings.ReplaceAll(strings.TrimSpace(c), `\|`, "|")
	}
	return cells
}

func isDelimRow(line string) bool {
	for _, c := range splitRow(line) {
		c = strings.TrimSuffix(strings.TrimPrefix(c, ":"), ":")
		if c == "" || strings.Trim(c, "-") != "" {
			return false
		}
	}
	return true
}

func parseTable(lines []string, i int) ([]ir.Block, int) {
	header := splitRow(lines[i])
	delims := splitRow(lines[i+1])
	hasHeader := false
	for _, c := range header {
		if c != "" {
			hasHeader = true
		}
	}
	for _, c := range delims {
		if c != "-" {
			hasHeader = true
		}
	}
	t := &ir.Table{HasHeader: hasHeader}
	cells := func(raw []string) [][]ir.Span {
		row := make([][]ir.Span, len(raw))
		for k, c := range raw {
			row[k] = parseInline(c)
		}
		return row
	}
	if hasHeader {
		t.Rows = append(t.Rows, cells(header))
	}
	j := i + 2
	for j < len(lines) && strings.HasPrefix(strings.TrimLeft(lines[j], " "), "|") {
		t.Rows = append(t.Rows, cells(splitRow(lines[j])))
		j++
	}
	if len(t.Rows) == 0 {
		t.Rows = [][][]ir.Span{cells(header)}
	}
	return []ir.Block{{Kind: ir.KindTable, Table: t}}, j
}

func parseParagraph(lines []string, i int) ([]ir.Block, int) {
	j := i + 1
	for j < len(lines) && !interrupts(lines[j]) {
		j++
	}
	if j == i+1 {
		if img, ok := parseImage(strings.TrimSpace(lines[i])); ok {
			return []ir.Block{img}, j
		}
	}
	return []ir.Block{{Kind: ir.KindParagraph, Spans: parseInline(strings.Join(lines[i:j], "\n"))}}, j
}

// parseImage reads a line holding exactly one image. The caption ends at the
// first unescaped "](" since captions never contain one.
func parseImage(line string) (ir.Block, bool) {
	if !strings.HasPrefix(line, "![") {
		return ir.Block{}, false
	}
	for k := 2; k+1 < len(line); k++ {
		if line[k] != ']' || line[k+1] != '(' {
			continue
		}
		slashes := 0
		for p := k - 1; p >= 2 && line[p] == '\\'; p-- {
			slashes++
		}
		if slashes%2 == 1 {
			continue
		}
		url, end, ok := parseLinkTarget(line, k+1)
		if !ok || end != len(line) || url == "" {
			return ir.Block{}, false
		}
		return ir.Block{Kind: ir.KindImage, URL: url, Spans: parseInline(line[2:k])}, true
	}
	return ir.Block{}, false
}
