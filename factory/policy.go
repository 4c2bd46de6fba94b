/*
Package factory provides JSON to Go credit policy conversion.

PURPOSE:
  Converts JSON policy documents into credit.Policy values. This is the
  settings collaborator's entry point: the admin UI and the HTTP API send
  JSON, the factory validates it and produces the Go struct the engine reads.

JSON SCHEMA:
  {
    "preset": "grace",          // optional: strict, grace, unlimited, overridable
    "enabled": true,
    "limit": "10000.00",        // decimal string or number
    "grace": "500",
    "allow_override": false
  }

  Explicit fields override the preset. Without a preset, a document that
  omits "enabled" is enabled iff it carries a limit.

PRESETS:
  strict       enforced limit, no grace, no override
  grace        enforced limit, grace of 10% of the limit
  unlimited    enforcement disabled
  overridable  enforced limit, overrides allowed with a reason

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParsePolicy(`{"preset":"strict","limit":"5000"}`)
  store.UpdatePolicy(ctx, customerID, *policy)

SEE ALSO:
  - credit/policy.go: Policy type and Decide
  - api/handlers.go: PUT /api/customers/{id}/policy
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/creditguard/credit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a credit policy.
type PolicyJSON struct {
	Preset        string           `json:"preset,omitempty"`
	Enabled       *bool            `json:"enabled,omitempty"`
	Limit         *decimal.Decimal `json:"limit,omitempty"`
	Grace         *decimal.Decimal `json:"grace,omitempty"`
	AllowOverride *bool            `json:"allow_override,omitempty"`
}

// =============================================================================
// PRESETS
// =============================================================================

type Preset string

const (
	PresetStrict      Preset = "strict"
	PresetGrace       Preset = "grace"
	PresetUnlimited   Preset = "unlimited"
	PresetOverridable Preset = "overridable"
)

// gracePercent is the grace the "grace" preset grants, relative to the limit.
var gracePercent = decimal.NewFromInt(10)

var presetDescriptions = map[Preset]string{
	PresetStrict:      "Enforced limit, no grace, no override",
	PresetGrace:       "Enforced limit plus 10% grace",
	PresetUnlimited:   "No credit enforcement",
	PresetOverridable: "Enforced limit, overrides allowed with a reason",
}

// PresetInfo describes one preset for listings.
type PresetInfo struct {
	Name        Preset `json:"name"`
	Description string `json:"description"`
}

// Presets lists the available presets ordered by name.
func Presets() []PresetInfo {
	out := make([]PresetInfo, 0, len(presetDescriptions))
	for name, desc := range presetDescriptions {
		out = append(out, PresetInfo{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PresetJSON returns a JSON document for a preset with the given limit.
func PresetJSON(p Preset, limit int64) string {
	return fmt.Sprintf(`{"preset":%q,"limit":"%d"}`, p, limit)
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to credit.Policy.
type PolicyFactory struct {
	scale int32
}

// NewPolicyFactory creates a factory rounding amounts to the default
// currency scale.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{scale: credit.DefaultScale}
}

// WithScale returns a factory rounding amounts to scale.
func (f *PolicyFactory) WithScale(scale int32) *PolicyFactory {
	return &PolicyFactory{scale: scale}
}

// ParsePolicy parses a JSON string into a Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*credit.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, &credit.ValidationError{Field: "policy", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to a validated credit.Policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*credit.Policy, error) {
	var p credit.Policy

	switch Preset(pj.Preset) {
	case "":
		p.Enabled = pj.Limit != nil
	case PresetStrict:
		p.Enabled = true
	case PresetGrace:
		p.Enabled = true
		if pj.Limit != nil && pj.Grace == nil {
			p.Grace = pj.Limit.Mul(gracePercent).Div(decimal.NewFromInt(100))
		}
	case PresetUnlimited:
		p.Enabled = false
	case PresetOverridable:
		p.Enabled = true
		p.AllowOverride = true
	default:
		return nil, &credit.ValidationError{Field: "preset", Message: fmt.Sprintf("unknown preset %q", pj.Preset)}
	}

	if pj.Enabled != nil {
		p.Enabled = *pj.Enabled
	}
	if pj.Limit != nil {
		p.Limit = *pj.Limit
	}
	if pj.Grace != nil {
		p.Grace = *pj.Grace
	}
	if pj.AllowOverride != nil {
		p.AllowOverride = *pj.AllowOverride
	}

	p.Limit = credit.RoundMinor(p.Limit, f.scale)
	p.Grace = credit.RoundMinor(p.Grace, f.scale)

	if p.Enabled && pj.Limit == nil {
		return nil, &credit.ValidationError{Field: "limit", Message: "is required when the policy is enabled"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ToJSON converts a Policy to PolicyJSON. The result carries every field
// explicitly and no preset.
func (f *PolicyFactory) ToJSON(p credit.Policy) PolicyJSON {
	enabled, override := p.Enabled, p.AllowOverride
	limit, grace := p.Limit, p.Grace
	return PolicyJSON{
		Enabled:       &enabled,
		Limit:         &limit,
		Grace:         &grace,
		AllowOverride: &override,
	}
}
