package chat

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var contentPolicy = bluemonday.NewPolicy().AllowElements("b", "i", "u", "em", "strong")

// Sanitize strips every tag outside the inline formatting whitelist.
func Sanitize(content string) string {
	return strings.TrimSpace(contentPolicy.Sanitize(content))
}
