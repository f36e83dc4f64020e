package model

import "time"

// EventType is the closed set of event kinds an attempt's log can hold.
type EventType string

const (
	// Lifecycle events.
	EventStart      EventType = "start"
	EventSave       EventType = "save"
	EventSubmit     EventType = "submit"
	EventAutoSubmit EventType = "auto_submit"

	// Behavioral events reported by the client.
	EventFocusLost    EventType = "focus_lost"
	EventFocusGained  EventType = "focus_gained"
	EventTabSwitch    EventType = "tab_switch"
	EventWindowResize EventType = "window_resize"
	EventIdle         EventType = "idle"
	EventActive       EventType = "active"

	// Signals observed by the server.
	EventDeviceChange       EventType = "device_change"
	EventLocationChange     EventType = "location_change"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventAutomation         EventType = "automation_detected"

	// Engine output.
	EventSecurityWarning EventType = "security_warning"
	EventSecurityRule    EventType = "security_rule"
)

// EventCategory groups event kinds by who produces them.
type EventCategory string

const (
	CategoryLifecycle  EventCategory = "lifecycle"
	CategoryBehavioral EventCategory = "behavioral"
	CategorySignal     EventCategory = "signal"
	CategoryEngine     EventCategory = "engine"
)

// Category classifies t. The switch is exhaustive over the declared kinds;
// ok is false for anything else.
func (t EventType) Category() (EventCategory, bool) {
	switch t {
	case EventStart, EventSave, EventSubmit, EventAutoSubmit:
		return CategoryLifecycle, true
	case EventFocusLost, EventFocusGained, EventTabSwitch, EventWindowResize, EventIdle, EventActive:
		return CategoryBehavioral, true
	case EventDeviceChange, EventLocationChange, EventSuspiciousActivity, EventAutomation:
		return CategorySignal, true
	case EventSecurityWarning, EventSecurityRule:
		return CategoryEngine, true
	}
	return "", false
}

// ParseActivityType accepts only the behavioral kinds a client may report.
func ParseActivityType(s string) (EventType, bool) {
	t := EventType(s)
	if cat, ok := t.Category(); ok && cat == CategoryBehavioral {
		return t, true
	}
	return "", false
}

// SessionEvent is one entry in an attempt's audit log.
type SessionEvent struct {
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e SessionEvent) clone() SessionEvent {
	if e.Details == nil {
		return e
	}
	d := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		d[k] = v
	}
	e.Details = d
	return e
}
