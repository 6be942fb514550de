package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "token 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	if result := Redact(input); result != input {
		t.Fatalf("false positive redaction: %q", result)
	}
}

func TestRedactEnvValue(t *testing.T) {
	if got := RedactEnvValue("TELEGRAM_TOKEN", "abc"); got != "[REDACTED]" {
		t.Fatalf("expected redaction, got %q", got)
	}
	if got := RedactEnvValue("CLAWMON_PORT", "8420"); got != "8420" {
		t.Fatalf("unexpected redaction: %q", got)
	}
}
