package bridge

import (
	"strings"
	"testing"
)

func TestMarkdownToHTML(t *testing.T) {
	got := MarkdownToHTML("hello **world**")
	if !strings.Contains(got, "<strong>world</strong>") {
		t.Errorf("bold not rendered: %q", got)
	}

	got = MarkdownToHTML("[go](https://go.dev)")
	if !strings.Contains(got, `<a href="https://go.dev"`) {
		t.Errorf("link not rendered: %q", got)
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	cases := []struct {
		html string
		want string
	}{
		{`<p>first</p><p>second</p>`, "first\n\nsecond"},
		{`<p>see <a href="https://go.dev">go</a></p>`, "see [go](https://go.dev)"},
		{`line<br>break`, "line\nbreak"},
		{`<p><code>x := 1</code></p>`, "`x := 1`"},
	}
	for _, c := range cases {
		got, err := HTMLToMarkdown(strings.NewReader(c.html))
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("HTMLToMarkdown(%q) = %q, want %q", c.html, got, c.want)
		}
	}
}

func TestHTMLToMarkdownBlockquote(t *testing.T) {
	got, err := HTMLToMarkdown(strings.NewReader("<blockquote><p>quoted</p></blockquote>"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "> quoted") {
		t.Errorf("blockquote not prefixed: %q", got)
	}
}
