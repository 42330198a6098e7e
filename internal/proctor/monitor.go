package proctor

import (
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SignalType enumerates raw environment signals forwarded by the client.
type SignalType string

const (
	SignalVisibility  SignalType = "visibility"
	SignalFullscreen  SignalType = "fullscreen"
	SignalKeyDown     SignalType = "keydown"
	SignalContextMenu SignalType = "contextmenu"
	SignalClipboard   SignalType = "clipboard"
)

// Signal is one raw environment event.
type Signal struct {
	Type       SignalType `json:"type"`
	Hidden     bool       `json:"hidden,omitempty"`
	Fullscreen bool       `json:"fullscreen,omitempty"`
	Key        string     `json:"key,omitempty"`
	Ctrl       bool       `json:"ctrl,omitempty"`
	Meta       bool       `json:"meta,omitempty"`
	Shift      bool       `json:"shift,omitempty"`
	Alt        bool       `json:"alt,omitempty"`
	// Action is copy, cut or paste for clipboard signals.
	Action string `json:"action,omitempty"`
}

// Verdict tells the signal's origin what to do with it.
type Verdict struct {
	// Prevent asks the client to suppress the default browser action.
	Prevent   bool                  `json:"prevent"`
	Violation *model.ViolationEvent `json:"violation,omitempty"`
}

// SignalSource delivers signals to a subscribed handler, one at a time and
// in order.
type SignalSource interface {
	Subscribe(handler func(Signal) Verdict) (unsubscribe func())
}

// MonitorEvents are the callbacks a Monitor emits, outside its lock.
type MonitorEvents struct {
	// OnViolation reports whether the owner accepted the event. Rejected
	// events are dropped from the log and the verdict.
	OnViolation          func(model.ViolationEvent) bool
	OnFullscreenRestored func()
}

// Monitor classifies raw signals into violation events. It only listens
// while active; Deactivate unsubscribes from the source.
type Monitor struct {
	mu          sync.Mutex
	rules       model.ProctoringConfig
	now         func() time.Time
	events      MonitorEvents
	active      bool
	unsubscribe func()
	seq         int
	log         []model.ViolationEvent
}

// NewMonitor builds an inactive Monitor.
func NewMonitor(rules model.ProctoringConfig, now func() time.Time, events MonitorEvents) *Monitor {
	return &Monitor{rules: rules, now: now, events: events}
}

// Activate subscribes to src. Activating twice is an error.
func (m *Monitor) Activate(src SignalSource) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.active = true
	m.mu.Unlock()

	unsub := src.Subscribe(m.Handle)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		// Deactivated while subscribing.
		unsub()
		return nil
	}
	m.unsubscribe = unsub
	return nil
}

// Deactivate removes the subscription. It is idempotent.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	m.active = false
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Active reports whether the monitor is listening.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Handle classifies one signal. Signals arriving while inactive are dropped.
func (m *Monitor) Handle(sig Signal) Verdict {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return Verdict{}
	}

	kind, prevent, detail, restored := m.classify(sig)
	var ev *model.ViolationEvent
	if kind != "" {
		m.seq++
		e := model.ViolationEvent{Seq: m.seq, Kind: kind, At: m.now(), Detail: detail}
		m.log = append(m.log, e)
		ev = &e
	}
	m.mu.Unlock()

	if ev != nil && m.events.OnViolation != nil && !m.events.OnViolation(*ev) {
		m.retract(ev.Seq)
		ev = nil
	}
	if restored && m.events.OnFullscreenRestored != nil {
		m.events.OnFullscreenRestored()
	}
	return Verdict{Prevent: prevent, Violation: ev}
}

// Events returns a copy of every recorded violation.
func (m *Monitor) Events() []model.ViolationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ViolationEvent, len(m.log))
	copy(out, m.log)
	return out
}

func (m *Monitor) retract(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.log) - 1; i >= 0; i-- {
		if m.log[i].Seq == seq {
			m.log = append(m.log[:i], m.log[i+1:]...)
			break
		}
	}
	if m.seq == seq {
		m.seq--
	}
}

// Seed continues numbering after previously recorded events.
func (m *Monitor) Seed(lastSeq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastSeq > m.seq {
		m.seq = lastSeq
	}
}

func (m *Monitor) classify(sig Signal) (kind model.ViolationKind, prevent bool, detail string, restored bool) {
	switch sig.Type {
	case SignalVisibility:
		if sig.Hidden {
			return model.ViolationTabSwitch, false, "", false
		}
	case SignalFullscreen:
		if !m.rules.FullscreenRequired {
			return "", false, "", false
		}
		if sig.Fullscreen {
			return "", false, "", true
		}
		return model.ViolationFullscreenExit, false, "", false
	case SignalContextMenu:
		if m.rules.RightClickDisabled {
			return model.ViolationBlockedContextMenu, true, "", false
		}
	case SignalClipboard:
		if m.rules.CopyPasteDisabled {
			return model.ViolationBlockedShortcut, true, sig.Action, false
		}
	case SignalKeyDown:
		if combo, ok := m.blockedShortcut(sig); ok {
			return model.ViolationBlockedShortcut, true, combo, false
		}
	}
	return "", false, "", false
}

var clipboardKeys = map[string]bool{"c": true, "v": true, "x": true, "a": true}

func (m *Monitor) blockedShortcut(sig Signal) (string, bool) {
	key := strings.ToLower(sig.Key)
	mod := sig.Ctrl || sig.Meta
	restricted := m.rules.CopyPasteDisabled || m.rules.RightClickDisabled

	switch {
	case m.rules.CopyPasteDisabled && mod && clipboardKeys[key]:
		return "ctrl+" + key, true
	case restricted && key == "f12":
		return "f12", true
	case restricted && key == "printscreen":
		return "printscreen", true
	case restricted && mod && sig.Shift && (key == "i" || key == "j" || key == "c"):
		return "ctrl+shift+" + key, true
	case restricted && mod && key == "u":
		return "ctrl+u", true
	}
	return "", false
}

// Bus is an in-process SignalSource. The transport publishes onto it.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Signal) Verdict
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Signal) Verdict)}
}

// Subscribe registers handler until the returned func is called.
func (b *Bus) Subscribe(handler func(Signal) Verdict) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers sig to every subscriber and merges their verdicts.
func (b *Bus) Publish(sig Signal) Verdict {
	b.mu.Lock()
	handlers := make([]func(Signal) Verdict, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	var out Verdict
	for _, h := range handlers {
		v := h(sig)
		out.Prevent = out.Prevent || v.Prevent
		if v.Violation != nil {
			out.Violation = v.Violation
		}
	}
	return out
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
