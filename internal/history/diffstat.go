package history

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var lineDiffer = func() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}()

// LineStats counts added and removed lines between two versions of a file.
func LineStats(original, modified string) (additions, deletions int) {
	a, b, lines := lineDiffer.DiffLinesToChars(original, modified)
	diffs := lineDiffer.DiffMain(a, b, false)
	diffs = lineDiffer.DiffCharsToLines(diffs, lines)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func fillStats(file *FileDiff) {
	if file.Additions != 0 || file.Deletions != 0 {
		return
	}

	original := ""
	if file.Original != nil {
		original = *file.Original
	}
	modified := file.Modified
	if file.Type == DiffDelete {
		modified = ""
	}
	file.Additions, file.Deletions = LineStats(original, modified)
}
