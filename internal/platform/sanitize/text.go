// Package sanitize strips markup from user supplied text before it is stored.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Text removes every HTML element from profile fields such as names and
// specializations. A Text is safe for concurrent use.
type Text struct {
	policy *bluemonday.Policy
}

func NewText() *Text {
	return &Text{policy: bluemonday.StrictPolicy()}
}

// maxDecodeRounds bounds entity decoding of nested encodings such as
// "&amp;lt;".
const maxDecodeRounds = 4

// plainEntities are the escapes the strict policy adds to ordinary text.
// Angle brackets stay escaped so no markup survives.
var plainEntities = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", `"`)

// Clean returns s without tags and with surrounding whitespace trimmed.
// Entities are decoded before sanitizing so encoded markup is removed too.
func (t *Text) Clean(s string) string {
	if s == "" {
		return ""
	}
	for i := 0; i < maxDecodeRounds; i++ {
		decoded := html.UnescapeString(s)
		if decoded == s {
			break
		}
		s = decoded
	}
	return strings.TrimSpace(plainEntities.Replace(t.policy.Sanitize(s)))
}
