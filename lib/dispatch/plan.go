// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// DefaultRuleKey is the Plan.Track key of the rule for events the plan
// does not list.
const DefaultRuleKey = "__default"

// Rule enables or disables one event, overall or per target.
type Rule struct {
	// Enabled, when set, applies to every target without an entry in
	// Integrations.
	Enabled *bool `json:"enabled,omitempty"`

	// Integrations maps target name to enabled.
	Integrations map[string]bool `json:"integrations,omitempty"`
}

// Plan is a tracking plan. Only track events are subject to it.
//
//	{
//	  "track": {
//	    "Order Completed": {"integrations": {"Mixpanel": false}},
//	    "Debug Ping": {"enabled": false},
//	    "__default": {"enabled": true, "integrations": {"Amplitude": false}}
//	  }
//	}
type Plan struct {
	Track map[string]Rule `json:"track,omitempty"`
}

// Empty reports whether the plan has no rules.
func (p Plan) Empty() bool { return len(p.Track) == 0 }

// Allows reports whether the plan lets target receive the track event
// named eventName. Precedence, highest first: the event's rule for the
// target, the event's overall switch, the default rule for the target,
// the default rule's overall switch. With no applicable statement the
// event is allowed. The second result names the deciding rule, or ""
// when nothing applied.
func (p Plan) Allows(eventName, target string) (bool, string) {
	if rule, ok := p.Track[eventName]; ok && eventName != DefaultRuleKey {
		if enabled, ok := rule.Integrations[target]; ok {
			return enabled, fmt.Sprintf("plan rule %q for %s", eventName, target)
		}
		if rule.Enabled != nil {
			return *rule.Enabled, fmt.Sprintf("plan rule %q", eventName)
		}
	}
	if rule, ok := p.Track[DefaultRuleKey]; ok {
		if enabled, ok := rule.Integrations[target]; ok {
			return enabled, fmt.Sprintf("plan default for %s", target)
		}
		if rule.Enabled != nil {
			return *rule.Enabled, "plan default"
		}
	}
	return true, ""
}

// ParsePlan decodes a plan from JSON. Comments and trailing commas are
// accepted so hand-maintained plan files can be annotated.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(jsonc.ToJSON(data), &plan); err != nil {
		return Plan{}, fmt.Errorf("dispatch: parsing tracking plan: %w", err)
	}
	return plan, nil
}

// LoadPlan reads and parses the plan file at path.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("dispatch: reading tracking plan: %w", err)
	}
	return ParsePlan(data)
}
