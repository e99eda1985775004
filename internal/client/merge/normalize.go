package merge

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

// Normalize folds s for fallback matching: NFKC, case folded, inner
// whitespace collapsed to single spaces.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// matchKey is the fallback identity of a record. ok is false when the title
// is unavailable or empty and the record cannot take part in matching.
func matchKey(r *models.Record) (string, bool) {
	if r.Title.Unavailable || r.Payload == nil {
		return "", false
	}
	title := Normalize(r.Title.Value)
	if title == "" {
		return "", false
	}
	return string(r.Kind()) + "\x00" + title + "\x00" + Normalize(r.Payload.IdentifyingField()), true
}
