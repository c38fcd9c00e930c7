package parser

import (
	"errors"
	"strings"
	"testing"
)

func TestSplit_WithFrontmatter(t *testing.T) {
	input := "---\ntitle: Hello\ntags:\n  - go\n---\n\nBody text\n"
	doc, err := Split([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if got := Keys(doc.Header); strings.Join(got, ",") != "title,tags" {
		t.Errorf("keys = %v", got)
	}
	if v, _ := ScalarString(Lookup(doc.Header, "title")); v != "Hello" {
		t.Errorf("title = %q", v)
	}
	if doc.Body != "Body text\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestSplit_NoFrontmatter(t *testing.T) {
	doc, err := Split([]byte("# Just a heading\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Header.Content) != 0 {
		t.Errorf("expected empty header")
	}
	if doc.Body != "# Just a heading\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestSplit_UnclosedDelimiterIsBody(t *testing.T) {
	input := "---\ntitle: x\nno closing\n"
	doc, err := Split([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Body != input {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestSplit_EmptyFrontmatter(t *testing.T) {
	doc, err := Split([]byte("---\n---\nbody"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Header.Content) != 0 || doc.Body != "body" {
		t.Errorf("got header %v body %q", Keys(doc.Header), doc.Body)
	}
}

func TestSplit_ClosingDelimiterAtEOF(t *testing.T) {
	doc, err := Split([]byte("---\ntitle: x\n---"))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ScalarString(Lookup(doc.Header, "title")); v != "x" {
		t.Errorf("title = %q", v)
	}
	if doc.Body != "" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestSplit_InvalidYAML(t *testing.T) {
	_, err := Split([]byte("---\ntitle: [unclosed\n---\nbody\n"))
	if err == nil {
		t.Fatal("expected error for malformed frontmatter")
	}
}

func TestSplit_NonMappingHeader(t *testing.T) {
	_, err := Split([]byte("---\n- a\n- b\n---\nbody\n"))
	if !errors.Is(err, ErrNotMapping) {
		t.Fatalf("err = %v, want ErrNotMapping", err)
	}
}

func TestSplit_CRLF(t *testing.T) {
	doc, err := Split([]byte("---\r\ntitle: Win\r\n---\r\n\r\nline\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ScalarString(Lookup(doc.Header, "title")); v != "Win" {
		t.Errorf("title = %q", v)
	}
	if doc.Body != "line\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestCompose_RoundTripPreservesOrder(t *testing.T) {
	input := "---\nzeta: 1\nalpha: two\nsync_id: abc\n---\n\nHello\n"
	doc, err := Split([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Compose(doc.Header, doc.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != input {
		t.Errorf("round trip mismatch:\n%s\nwant:\n%s", out, input)
	}
}

func TestCompose_EmptyHeaderOmitted(t *testing.T) {
	out, err := Compose(NewMapping(), "body\n")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "body\n" {
		t.Errorf("got %q", out)
	}
}

func TestSetRemove(t *testing.T) {
	m := NewMapping()
	Set(m, "a", StringNode("1"))
	Set(m, "b", StringNode("2"))
	Set(m, "a", StringNode("3"))
	if got := strings.Join(Keys(m), ","); got != "a,b" {
		t.Fatalf("keys = %s", got)
	}
	if v, _ := ScalarString(Lookup(m, "a")); v != "3" {
		t.Errorf("a = %q", v)
	}
	if !Remove(m, "a") || Remove(m, "a") {
		t.Errorf("remove semantics broken")
	}
	if got := strings.Join(Keys(m), ","); got != "b" {
		t.Errorf("keys after remove = %s", got)
	}
}
