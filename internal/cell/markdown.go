package cell

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// Token is one block-level element of a markdown cell.
type Token struct {
	Type  string `json:"type"`
	Level int    `json:"level,omitempty"`
	Info  string `json:"info,omitempty"`
	Text  string `json:"text"`
}

const (
	TokenHeading    = "heading"
	TokenParagraph  = "paragraph"
	TokenCode       = "code"
	TokenListItem   = "list_item"
	TokenBlockquote = "blockquote"
	TokenRule       = "hr"
	TokenHTML       = "html"
)

var markdownParser parser.Parser = goldmark.DefaultParser()

// Tokenize splits markdown text into its top-level block tokens.
func Tokenize(markdown string) []Token {
	source := []byte(markdown)
	doc := markdownParser.Parse(text.NewReader(source))

	tokens := []Token{}
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			tokens = append(tokens, Token{Type: TokenHeading, Level: n.Level, Text: blockText(n, source)})
		case *ast.Paragraph, *ast.TextBlock:
			tokens = append(tokens, Token{Type: TokenParagraph, Text: blockText(n, source)})
		case *ast.FencedCodeBlock:
			tokens = append(tokens, Token{Type: TokenCode, Info: string(n.Language(source)), Text: blockText(n, source)})
		case *ast.CodeBlock:
			tokens = append(tokens, Token{Type: TokenCode, Text: blockText(n, source)})
		case *ast.List:
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				level := 0
				if n.IsOrdered() {
					level = n.Start
				}
				tokens = append(tokens, Token{Type: TokenListItem, Level: level, Text: blockText(item, source)})
			}
		case *ast.Blockquote:
			tokens = append(tokens, Token{Type: TokenBlockquote, Text: blockText(n, source)})
		case *ast.ThematicBreak:
			tokens = append(tokens, Token{Type: TokenRule})
		case *ast.HTMLBlock:
			tokens = append(tokens, Token{Type: TokenHTML, Text: blockText(n, source)})
		}
	}

	return tokens
}

// blockText joins the raw source lines of a block, descending into container
// blocks (list items, quotes) that carry no lines of their own.
func blockText(node ast.Node, source []byte) string {
	if node.Type() != ast.TypeBlock {
		return ""
	}

	lines := node.Lines()
	if lines != nil && lines.Len() > 0 {
		var builder strings.Builder
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			builder.Write(segment.Value(source))
		}
		return strings.TrimRight(builder.String(), "\n")
	}

	var parts []string
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if part := blockText(child, source); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n")
}
