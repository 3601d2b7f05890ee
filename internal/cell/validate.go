package cell

import (
	"fmt"
	"regexp"

	"github.com/erg0nix/notebookd/internal/errs"
)

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.go$`)

// ValidateFilename reports whether name is a legal code cell filename.
func ValidateFilename(name string) error {
	if !filenamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidFilename, name)
	}
	return nil
}

func validateLanguage(language string) error {
	if language != "" && language != Language {
		return fmt.Errorf("%w: unsupported language %q", errs.ErrInvalidCell, language)
	}
	return nil
}
