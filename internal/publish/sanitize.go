package publish

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips script-bearing markup, inline event handlers, and
// javascript: URIs from post content. It runs server-side regardless of what
// client-side editing already did: the server is the trust boundary, not the
// browser.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer builds the allow-list policy for user-generated post content.
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "u", "s",
		"h1", "h2", "h3",
	)

	// Links open in a new tab and never leak a referrer. Only http(s)
	// schemes pass, which drops javascript: URIs.
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")

	return &Sanitizer{policy: p}
}

// Sanitize returns safe HTML. Idempotent: sanitizing sanitized content is a
// no-op.
func (s *Sanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
