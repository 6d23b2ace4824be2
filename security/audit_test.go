package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditorRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	a := NewAuditor(logger, 100, 100)
	a.Record(EventRateLimited, "ip", "10.0.0.1")

	out := buf.String()
	if !strings.Contains(out, string(EventRateLimited)) {
		t.Errorf("audit line missing event: %q", out)
	}
	if !strings.Contains(out, "10.0.0.1") {
		t.Errorf("audit line missing attribute: %q", out)
	}
}

func TestAuditorDampsFloods(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// 1/s with burst 2: a burst of 100 must emit only the burst.
	a := NewAuditor(logger, 1, 2)
	for i := 0; i < 100; i++ {
		a.Record(EventInvalidToken, "i", i)
	}

	lines := strings.Count(buf.String(), "\n")
	if lines > 3 {
		t.Errorf("flood produced %d audit lines, want at most 3", lines)
	}
	if lines == 0 {
		t.Error("damping swallowed every audit line")
	}
}

func TestAuditorNilReceiver(t *testing.T) {
	var a *Auditor
	a.Record(EventInvalidToken) // must not panic
}

func TestHashForLogging(t *testing.T) {
	h := HashForLogging("super-secret-token")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == "super-secret-tok" {
		t.Error("hash leaked the input prefix")
	}
	if h != HashForLogging("super-secret-token") {
		t.Error("hash is not stable")
	}
	if HashForLogging("") != "" {
		t.Error("empty input should hash to empty")
	}
}
