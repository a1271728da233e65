package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Sanitize strips tokens that belong to the wire format out of display
// content: leaked delimiters and tool-call JSON fragments naming known
// tools. The parser itself never rewrites content; this is applied by the
// turn driver just before a message is stored.
func Sanitize(content string, knownTools []string) string {
	cleaned := strings.ReplaceAll(content, Delimiter, "\n\n")
	cleaned = strings.ReplaceAll(cleaned, delimiterCore, "")

	for _, name := range knownTools {
		// e.g. [{"id":"t1","type":"web_search",...}] leaked into the body.
		pattern := fmt.Sprintf(`\[?\{[^{}]*"type"\s*:\s*"%s"[^{}]*(\{[^{}]*\})?[^{}]*\}\]?`, regexp.QuoteMeta(name))
		cleaned = regexp.MustCompile(pattern).ReplaceAllString(cleaned, "")
	}
	return cleaned
}
