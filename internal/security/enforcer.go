// Package security holds the guards the browser shell must apply while the
// participant is live or on the terminal screen, and keeps the shell informed
// of the current set.
package security

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// Guard is one behavior the shell enforces.
type Guard string

const (
	GuardContextMenu    Guard = "context_menu"
	GuardRestrictedKeys Guard = "restricted_keys"
	GuardUnloadConfirm  Guard = "unload_confirm"
	GuardHistoryLock    Guard = "history_lock"
)

// DefaultBlockedKeys covers refresh, dev tools, view source and save page.
var DefaultBlockedKeys = []string{
	"f5", "ctrl+r", "ctrl+shift+r", "meta+r",
	"f12", "ctrl+shift+i", "ctrl+shift+j", "ctrl+shift+c", "meta+alt+i",
	"ctrl+u", "meta+alt+u",
	"ctrl+s", "meta+s",
}

// Directive is the guard set the shell must apply.
type Directive struct {
	Guards      []Guard  `json:"guards"`
	BlockedKeys []string `json:"blocked_keys,omitempty"`
}

// Active reports whether g is part of the directive.
func (d Directive) Active(g Guard) bool {
	for _, have := range d.Guards {
		if have == g {
			return true
		}
	}
	return false
}

// Publisher pushes directives to the shell.
type Publisher interface {
	PublishDirective(d Directive)
}

// Enforcer tracks which guards are active. Live guards follow the Live
// phase; the history lock is set on the terminal screen and stays until
// Release.
type Enforcer struct {
	log       zerolog.Logger
	blocked   map[string]struct{}
	keys      []string
	publisher Publisher

	mu          sync.Mutex
	live        bool
	historyLock bool
}

// NewEnforcer creates an Enforcer blocking keys. A nil keys uses
// DefaultBlockedKeys.
func NewEnforcer(keys []string, log zerolog.Logger) *Enforcer {
	if keys == nil {
		keys = DefaultBlockedKeys
	}
	e := &Enforcer{
		log:     logger.Component(log, "security_enforcer"),
		blocked: make(map[string]struct{}, len(keys)),
	}
	for _, k := range keys {
		n := NormalizeCombo(k)
		if _, dup := e.blocked[n]; dup {
			continue
		}
		e.blocked[n] = struct{}{}
		e.keys = append(e.keys, n)
	}
	sort.Strings(e.keys)
	return e
}

// SetPublisher attaches the shell transport. Safe to call once at startup.
func (e *Enforcer) SetPublisher(p Publisher) {
	e.mu.Lock()
	e.publisher = p
	e.mu.Unlock()
}

// EnterLive activates the live guards.
func (e *Enforcer) EnterLive() {
	e.update(func() bool {
		if e.live {
			return false
		}
		e.live = true
		return true
	}, "live guards on")
}

// ExitLive deactivates the live guards.
func (e *Enforcer) ExitLive() {
	e.update(func() bool {
		if !e.live {
			return false
		}
		e.live = false
		return true
	}, "live guards off")
}

// LockHistory blocks back navigation from the terminal screen.
func (e *Enforcer) LockHistory() {
	e.update(func() bool {
		if e.historyLock {
			return false
		}
		e.historyLock = true
		return true
	}, "history locked")
}

// Release drops every guard. Used when a new session is registered.
func (e *Enforcer) Release() {
	e.update(func() bool {
		if !e.live && !e.historyLock {
			return false
		}
		e.live = false
		e.historyLock = false
		return true
	}, "guards released")
}

func (e *Enforcer) update(change func() bool, msg string) {
	e.mu.Lock()
	if !change() {
		e.mu.Unlock()
		return
	}
	d := e.directiveLocked()
	pub := e.publisher
	e.mu.Unlock()

	e.log.Info().Interface("guards", d.Guards).Msg(msg)
	if pub != nil {
		pub.PublishDirective(d)
	}
}

// Directive returns the current guard set.
func (e *Enforcer) Directive() Directive {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directiveLocked()
}

func (e *Enforcer) directiveLocked() Directive {
	d := Directive{Guards: []Guard{}}
	if e.live {
		d.Guards = append(d.Guards, GuardContextMenu, GuardRestrictedKeys, GuardUnloadConfirm)
		d.BlockedKeys = append([]string(nil), e.keys...)
	}
	if e.historyLock {
		d.Guards = append(d.Guards, GuardHistoryLock)
	}
	return d
}

// IsRestricted reports whether combo is blocked right now. Outside Live
// nothing is restricted.
func (e *Enforcer) IsRestricted(combo string) bool {
	e.mu.Lock()
	live := e.live
	e.mu.Unlock()
	if !live {
		return false
	}
	_, ok := e.blocked[NormalizeCombo(combo)]
	return ok
}

var modifierOrder = map[string]int{"ctrl": 0, "meta": 1, "alt": 2, "shift": 3}

var modifierAliases = map[string]string{
	"control": "ctrl",
	"cmd":     "meta",
	"command": "meta",
	"option":  "alt",
}

// NormalizeCombo lowercases a key combination and orders its modifiers as
// ctrl, meta, alt, shift, so "Shift+Ctrl+I" and "ctrl+shift+i" compare equal.
func NormalizeCombo(combo string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	var mods []string
	var key string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if alias, ok := modifierAliases[p]; ok {
			p = alias
		}
		if _, ok := modifierOrder[p]; ok {
			mods = append(mods, p)
			continue
		}
		key = p
	}
	sort.SliceStable(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })
	if key != "" {
		mods = append(mods, key)
	}
	return strings.Join(mods, "+")
}
