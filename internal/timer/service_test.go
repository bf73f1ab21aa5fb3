package timer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

func TestFireRunsAndClears(t *testing.T) {
	s := NewService()
	var order []int
	s.AddTimerCallback("s1", func() { order = append(order, 1) })
	s.AddTimerCallback("s1", func() { order = append(order, 2) })
	s.AddTimerCallback("s2", func() { order = append(order, 3) })
	s.AddTimerCallback("s1", nil)

	if got := s.Len("s1"); got != 2 {
		t.Fatalf("expected 2 callbacks, got %d", got)
	}

	if n := s.Fire("s1"); n != 2 {
		t.Errorf("expected 2 callbacks fired, got %d", n)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("unexpected order %v", order)
	}

	if n := s.Fire("s1"); n != 0 {
		t.Errorf("second fire should run nothing, ran %d", n)
	}
	if s.Sessions() != 1 {
		t.Errorf("expected s2 to remain, got %d sessions", s.Sessions())
	}
}

func TestClear(t *testing.T) {
	s := NewService()
	ran := false
	s.AddTimerCallback("s1", func() { ran = true })
	s.Clear("s1")

	if n := s.Fire("s1"); n != 0 || ran {
		t.Error("cleared callbacks should not run")
	}
}

func TestFireSurvivesPanic(t *testing.T) {
	s := NewService()
	ran := false
	s.AddTimerCallback("s1", func() { panic("boom") })
	s.AddTimerCallback("s1", func() { ran = true })

	s.Fire("s1")
	if !ran {
		t.Error("callback after a panicking one should still run")
	}
}

func TestPanicLoggedWithSession(t *testing.T) {
	var buf bytes.Buffer
	orig := logger.Log
	logger.Log = zerolog.New(&buf)
	defer func() { logger.Log = orig }()

	s := NewService()
	s.AddTimerCallback("s-42", func() { panic("boom") })
	s.Fire("s-42")

	out := buf.String()
	if !strings.Contains(out, `"session_id":"s-42"`) || !strings.Contains(out, "Timer callback panicked") {
		t.Errorf("expected session-scoped panic log, got %q", out)
	}
}

func TestPruneDropsIdleSessions(t *testing.T) {
	s := NewService()
	now := time.Now()
	s.now = func() time.Time { return now }

	ran := false
	s.AddTimerCallback("old", func() { ran = true })
	now = now.Add(time.Hour)
	s.AddTimerCallback("new", func() {})

	if n := s.Prune(time.Minute); n != 1 {
		t.Errorf("expected 1 session pruned, got %d", n)
	}
	if s.Len("old") != 0 || s.Len("new") != 1 {
		t.Errorf("unexpected callbacks left: old=%d new=%d", s.Len("old"), s.Len("new"))
	}
	if ran {
		t.Error("pruned callbacks must not run")
	}
}
