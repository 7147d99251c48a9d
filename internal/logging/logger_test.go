package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSessionScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	logger := WithConnection(WithSession("sess-1", "set-9"), "conn-7")
	logger.Info("session attached", "target_points", 4)

	out := buf.String()
	for _, want := range []string{
		"session_id=sess-1",
		"recall_set_id=set-9",
		"conn_id=conn-7",
		"target_points=4",
		"session attached",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
