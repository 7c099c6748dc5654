package security

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu         sync.Mutex
	directives []Directive
}

func (p *recordingPublisher) PublishDirective(d Directive) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.directives = append(p.directives, d)
}

func TestNormalizeCombo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"F5", "f5"},
		{"Shift+Ctrl+I", "ctrl+shift+i"},
		{"cmd+option+i", "meta+alt+i"},
		{" Control + S ", "ctrl+s"},
		{"ctrl+shift+r", "ctrl+shift+r"},
	}
	for _, tt := range tests {
		if got := NormalizeCombo(tt.in); got != tt.want {
			t.Errorf("NormalizeCombo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRestrictedOnlyWhileLive(t *testing.T) {
	e := NewEnforcer(nil, zerolog.Nop())

	if e.IsRestricted("F5") {
		t.Fatal("F5 restricted before live")
	}
	e.EnterLive()
	for _, combo := range []string{"F5", "Ctrl+R", "shift+ctrl+i", "ctrl+u", "meta+s"} {
		if !e.IsRestricted(combo) {
			t.Errorf("%s not restricted while live", combo)
		}
	}
	if e.IsRestricted("ctrl+c") {
		t.Error("ctrl+c restricted")
	}
	e.ExitLive()
	if e.IsRestricted("F5") {
		t.Fatal("F5 restricted after live")
	}
}

func TestDirectiveFollowsPhase(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEnforcer([]string{"f5"}, zerolog.Nop())
	e.SetPublisher(pub)

	e.EnterLive()
	e.EnterLive()
	d := e.Directive()
	if !d.Active(GuardContextMenu) || !d.Active(GuardRestrictedKeys) || !d.Active(GuardUnloadConfirm) {
		t.Fatalf("live directive = %+v", d)
	}
	if d.Active(GuardHistoryLock) {
		t.Fatal("history locked while live")
	}

	e.ExitLive()
	e.LockHistory()
	d = e.Directive()
	if len(d.Guards) != 1 || !d.Active(GuardHistoryLock) || len(d.BlockedKeys) != 0 {
		t.Fatalf("terminal directive = %+v", d)
	}

	e.Release()
	if got := e.Directive(); len(got.Guards) != 0 {
		t.Fatalf("released directive = %+v", got)
	}

	if len(pub.directives) != 4 {
		t.Fatalf("published %d directives, want 4", len(pub.directives))
	}
}
