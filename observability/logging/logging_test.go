package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "credifyd", "test", slog.LevelInfo)
	logger.Info("order created", slog.String("orderId", "0x01"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "orderId"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("expected key %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" || line["service"] != "credifyd" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestMaskHelpers(t *testing.T) {
	if got := MaskField("email", "buyer@example.com").Value.String(); got != RedactedValue {
		t.Fatalf("expected email to be redacted, got %q", got)
	}
	if got := MaskField("orderId", "0xabc").Value.String(); got != "0xabc" {
		t.Fatalf("expected allowlisted key to pass through, got %q", got)
	}
	if got := MaskField("wallet", "0x00000000000000000000000000000000000000b1").Value.String(); got != "0x0000…00b1" {
		t.Fatalf("expected address to be shortened, got %q", got)
	}
	if got := MaskEmail("buyer@example.com"); got != "b***@example.com" {
		t.Fatalf("MaskEmail = %q", got)
	}
	if got := MaskEmail("not-an-email"); got != RedactedValue {
		t.Fatalf("MaskEmail invalid = %q", got)
	}
	if got := MaskAddress("0x00000000000000000000000000000000000000b1"); got != "0x0000…00b1" {
		t.Fatalf("MaskAddress = %q", got)
	}
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("") != slog.LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}
