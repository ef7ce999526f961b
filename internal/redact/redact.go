package redact

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	// Journaled payloads are event envelopes; any token field in them is an
	// upstream access token and must never land in the journal.
	tokenFieldPattern = regexp.MustCompile(`("[a-zA-Z]*[Tt]oken"\s*:\s*")[^"]*(")`)
)

// PII masks common high-risk patterns before text reaches the journal.
// Spoken text passes through operator hands verbatim, so emails, phone
// numbers and card numbers are masked at the recording boundary, along
// with provider tokens carried in event payloads.
func PII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = tokenFieldPattern.ReplaceAllString(out, "${1}[REDACTED_TOKEN]${2}")
	changed = changed || next != out
	out = next

	return out, changed
}
