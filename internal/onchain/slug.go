package onchain

import (
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"
)

const emptyFieldReplacement = "-"

func init() {
	slug.Lowercase = false
}

// Slug turns a display name into the ASCII form stored on chain. Case is
// kept, & becomes "and", and runs of anything other than letters and digits
// collapse to a single "-".
func Slug(name string) string {
	// unidecode maps one code point at a time, so compose first.
	name = norm.NFC.String(name)
	return slug.MakeLang(strings.ReplaceAll(name, "_", " "), "en")
}
