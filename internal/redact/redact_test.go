package redact

import (
	"strings"
	"testing"
)

func TestPIIEmail(t *testing.T) {
	out, changed := PII(`{"text":"write to jane.doe@example.com please"}`)
	if !changed {
		t.Fatalf("email not detected")
	}
	if strings.Contains(out, "example.com") {
		t.Fatalf("email survived redaction: %s", out)
	}
	if !strings.Contains(out, "[REDACTED_EMAIL]") {
		t.Fatalf("missing email placeholder: %s", out)
	}
}

func TestPIIPhone(t *testing.T) {
	out, changed := PII("call me at +1 (415) 555-0134 tomorrow")
	if !changed || strings.Contains(out, "555-0134") {
		t.Fatalf("phone survived redaction: %s", out)
	}
}

func TestPIICard(t *testing.T) {
	out, changed := PII("card 4111 1111 1111 1111 on file")
	if !changed || strings.Contains(out, "4111") {
		t.Fatalf("card number survived redaction: %s", out)
	}
	if !strings.Contains(out, "[REDACTED_CARD]") {
		t.Fatalf("missing card placeholder: %s", out)
	}
}

func TestPIITokenField(t *testing.T) {
	out, changed := PII(`{"token":"eyJhbGciOi.secret.value","sessionId":"s1"}`)
	if !changed {
		t.Fatalf("token field not detected")
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("token survived redaction: %s", out)
	}
	if !strings.Contains(out, `"token":"[REDACTED_TOKEN]"`) {
		t.Fatalf("missing token placeholder: %s", out)
	}
	if !strings.Contains(out, `"sessionId":"s1"`) {
		t.Fatalf("non-credential fields must pass through: %s", out)
	}

	out, changed = PII(`{"accessToken": "abc123"}`)
	if !changed || strings.Contains(out, "abc123") {
		t.Fatalf("accessToken survived redaction: %s", out)
	}
}

func TestPIICleanTextUnchanged(t *testing.T) {
	in := "start the avatar with persona p1"
	out, changed := PII(in)
	if changed || out != in {
		t.Fatalf("clean text was altered: %s", out)
	}
}
