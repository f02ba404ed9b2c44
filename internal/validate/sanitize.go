package validate

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

func stripPolicy() *bluemonday.Policy {
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	return textPolicy
}

// maxStripPasses bounds how many layers of entity encoding are peeled off.
const maxStripPasses = 4

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// StripMarkup removes every HTML tag from s and returns plain text. Entities
// are decoded after each pass so "&amp;" stays "&" for the upstream, and
// encoded tags such as "&lt;b&gt;" are stripped on the next pass. Brackets
// left after the last pass are dropped.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	policy := stripPolicy()
	for i := 0; i < maxStripPasses; i++ {
		next := html.UnescapeString(policy.Sanitize(s))
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(angleBrackets.Replace(s))
}

// StripAll applies StripMarkup to every value in place.
func StripAll(fields map[string]string) {
	for k, v := range fields {
		fields[k] = StripMarkup(v)
	}
}
