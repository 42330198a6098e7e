package model

import "time"

// ViolationKind classifies integrity violations.
type ViolationKind string

const (
	ViolationTabSwitch          ViolationKind = "tab_switch"
	ViolationFullscreenExit     ViolationKind = "fullscreen_exit"
	ViolationBlockedShortcut    ViolationKind = "blocked_shortcut"
	ViolationBlockedContextMenu ViolationKind = "blocked_context_menu"
)

// Counts reports whether the kind counts toward auto-submit thresholds.
// Blocked shortcuts and context menus are prevented, not counted.
func (k ViolationKind) Counts() bool {
	return k == ViolationTabSwitch || k == ViolationFullscreenExit
}

// ViolationEvent is one recorded violation. Events are append-only.
type ViolationEvent struct {
	Seq    int           `json:"seq"`
	Kind   ViolationKind `json:"kind"`
	At     time.Time     `json:"at"`
	Detail string        `json:"detail,omitempty"`
}
