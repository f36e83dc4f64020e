package security

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleID names a scoring rule in the audit log.
type RuleID string

const (
	RuleExcessiveFocusLost RuleID = "excessive_focus_lost"
	RuleExcessiveTabSwitch RuleID = "excessive_tab_switch"
	RuleDeviceChange       RuleID = "device_change"
	RuleIPChange           RuleID = "ip_change"
	RuleAutomation         RuleID = "automation"
	RuleSuspiciousReport   RuleID = "suspicious_report"
	RuleIdleTimeout        RuleID = "idle_timeout"
	RuleScoreThreshold     RuleID = "score_threshold"
)

// MaxScore is the upper clamp of the security score.
const MaxScore = 100

// Rules holds the thresholds and weights of the signal engine.
type Rules struct {
	Window time.Duration `yaml:"window"`

	FocusLostThreshold int `yaml:"focus_lost_threshold"`
	FocusLostPoints    int `yaml:"focus_lost_points"`

	TabSwitchThreshold int `yaml:"tab_switch_threshold"`
	TabSwitchPoints    int `yaml:"tab_switch_points"`

	DeviceChangePoints int `yaml:"device_change_points"`
	IPChangePoints     int `yaml:"ip_change_points"`
	AutomationPoints   int `yaml:"automation_points"`
	SuspiciousPoints   int `yaml:"suspicious_points"`

	IdleWarningAfter time.Duration `yaml:"idle_warning_after"`

	// FlagThreshold flags an attempt once its score reaches it, whatever
	// combination of rules got it there.
	FlagThreshold int `yaml:"flag_threshold"`

	AutomationSignatures []string `yaml:"automation_signatures"`
}

// DefaultRules returns the stock rule set.
func DefaultRules() Rules {
	return Rules{
		Window:               5 * time.Minute,
		FocusLostThreshold:   10,
		FocusLostPoints:      20,
		TabSwitchThreshold:   20,
		TabSwitchPoints:      30,
		DeviceChangePoints:   20,
		IPChangePoints:       15,
		AutomationPoints:     50,
		SuspiciousPoints:     25,
		IdleWarningAfter:     10 * time.Minute,
		FlagThreshold:        50,
		AutomationSignatures: defaultAutomationSignatures(),
	}
}

// LoadRules reads a YAML override file on top of DefaultRules. An empty path
// returns the defaults. Fields missing from the file keep their default.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return rules, fmt.Errorf("parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

// Validate rejects rule sets that would make the engine misbehave.
func (r Rules) Validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("rules: window must be positive, got %s", r.Window)
	}
	if r.FocusLostThreshold < 0 || r.TabSwitchThreshold < 0 {
		return fmt.Errorf("rules: thresholds must not be negative")
	}
	for name, pts := range map[string]int{
		"focus_lost_points":    r.FocusLostPoints,
		"tab_switch_points":    r.TabSwitchPoints,
		"device_change_points": r.DeviceChangePoints,
		"ip_change_points":     r.IPChangePoints,
		"automation_points":    r.AutomationPoints,
		"suspicious_points":    r.SuspiciousPoints,
	} {
		if pts < 0 {
			return fmt.Errorf("rules: %s must not be negative", name)
		}
	}
	if r.FlagThreshold <= 0 || r.FlagThreshold > MaxScore {
		return fmt.Errorf("rules: flag_threshold must be in (0, %d]", MaxScore)
	}
	return nil
}
