package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	input := "# Title\n\nSome *text* here.\n\n```go\nx := 1\n```\n\n- one\n- two\n\n---\n"

	got := Tokenize(input)

	want := []Token{
		{Type: TokenHeading, Level: 1, Text: "Title"},
		{Type: TokenParagraph, Text: "Some *text* here."},
		{Type: TokenCode, Info: "go", Text: "x := 1"},
		{Type: TokenListItem, Text: "one"},
		{Type: TokenListItem, Text: "two"},
		{Type: TokenRule},
	}
	assert.Equal(t, want, got)
}

func TestTokenize_Empty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
}

func TestTokenize_OrderedListCarriesStart(t *testing.T) {
	got := Tokenize("3. three\n4. four\n")

	assert.Equal(t, []Token{
		{Type: TokenListItem, Level: 3, Text: "three"},
		{Type: TokenListItem, Level: 3, Text: "four"},
	}, got)
}
