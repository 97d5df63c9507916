// ABOUTME: Classifies reply content as markdown or plain text for static replies.
// ABOUTME: Parses with goldmark and inspects the AST instead of string sniffing.

package reply

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Format selects how a static (non-streamed) reply is sent to the platform.
type Format int

// Reply formats.
const (
	FormatText Format = iota
	FormatMarkdown
)

func (f Format) String() string {
	if f == FormatMarkdown {
		return "markdown"
	}
	return "text"
}

var md = goldmark.New()

// Classify parses content as markdown and returns FormatMarkdown when the
// document contains any markup worth rendering: links, images, emphasis,
// code, headings, lists, or blockquotes. Plain prose stays FormatText so
// platforms do not render it through their markdown pipeline needlessly.
func Classify(content string) Format {
	if content == "" {
		return FormatText
	}

	source := []byte(content)
	doc := md.Parser().Parse(text.NewReader(source))

	format := FormatText
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindLink, ast.KindImage, ast.KindEmphasis, ast.KindCodeSpan,
			ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindHeading,
			ast.KindList, ast.KindBlockquote, ast.KindAutoLink:
			format = FormatMarkdown
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return format
}
