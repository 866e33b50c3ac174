package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

var ErrOutputDir = errors.New("invalid output_dir")

// Characters Windows and macOS refuse in folder names, mapped to their
// full-width forms so "Lift/Carry" stays readable as a folder.
var labelReplacer = strings.NewReplacer(
	`\`, "＼", "/", "／", ":", "：", "*", "＊", "?", "？",
	`"`, "＂", "<", "＜", ">", "＞", "|", "｜",
)

func dropControl(r rune) rune {
	if unicode.IsControl(r) {
		return -1
	}
	return r
}

// SanitizeLabel turns an activity label into its export folder name.
// Returns "" if nothing printable remains.
func SanitizeLabel(label string) string {
	folder := labelReplacer.Replace(strings.Map(dropControl, label))
	return strings.TrimRight(strings.TrimSpace(folder), ". ")
}

// SanitizeName reduces an uploaded file name to letters, digits and a few
// separators, truncated to maxLen runes when maxLen > 0.
func SanitizeName(s string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(" -_.,()", r):
			return r
		}
		return '_'
	}, s)
	cleaned = strings.TrimSpace(cleaned)

	if runes := []rune(cleaned); maxLen > 0 && len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

// ValidateOutputDir accepts only an existing directory given as a clean
// path with no ".." elements.
func ValidateOutputDir(dir string) error {
	switch {
	case strings.TrimSpace(dir) == "":
		return fmt.Errorf("%w: empty path", ErrOutputDir)
	case slices.Contains(strings.Split(filepath.ToSlash(dir), "/"), ".."):
		return fmt.Errorf("%w: path traversal", ErrOutputDir)
	case filepath.Clean(dir) != dir:
		return fmt.Errorf("%w: path is not clean", ErrOutputDir)
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: directory does not exist", ErrOutputDir)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrOutputDir, err)
	case !info.IsDir():
		return fmt.Errorf("%w: not a directory", ErrOutputDir)
	}
	return nil
}
