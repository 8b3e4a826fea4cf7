package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLSanitizer(t *testing.T) {
	s := NewHTMLSanitizer()

	out := s.Sanitize(`<p onclick="x()">Hi <script>alert(1)</script><b>there</b></p>`)
	assert.Equal(t, `<p>Hi <b>there</b></p>`, out)

	out = s.Sanitize(`<img src="https://tracker.example/p.gif" alt="x"><img src="cid:logo@x">`)
	assert.NotContains(t, out, "tracker.example")
	assert.Contains(t, out, `src="cid:logo@x"`)

	out = s.Sanitize(`<a href="javascript:alert(1)">bad</a><a href="https://example.com">ok</a>`)
	assert.NotContains(t, out, "javascript")
	assert.Contains(t, out, "nofollow")
	assert.Contains(t, out, "noreferrer")
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head><body><p>Hello&nbsp;&amp; welcome</p><div>Line   two</div><br><br><br><p>Bye</p></body></html>`
	assert.Equal(t, "Hello & welcome\nLine two\n\nBye", HTMLToText(in))
	assert.Equal(t, "", HTMLToText(""))
}

func TestIsHTML(t *testing.T) {
	assert.True(t, IsHTML("<div class=x>hi</div>"))
	assert.True(t, IsHTML("<P>hi</P>"))
	assert.False(t, IsHTML("plain text with a < sign"))
}
