// routing.go defines the declarative routing document: accounts, rule sets,
// filter definitions, routes, and global settings. The document is strict
// JSON parsed into typed structs; Validate rejects any dangling reference
// (unknown account, rule set, or filter name) before a single worker starts.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AccountType tags what kind of brokerage account an id refers to.
type AccountType string

const (
	AccountLive           AccountType = "live"
	AccountDemo           AccountType = "demo"
	AccountPropEvaluation AccountType = "prop-evaluation"
	AccountPropFunded     AccountType = "prop-funded"
)

// Account is an immutable descriptor for one brokerage account.
type Account struct {
	Nickname       string      `json:"nickname"`
	Platform       string      `json:"platform"`
	Region         string      `json:"region"`
	Type           AccountType `json:"type"`
	InitialBalance float64     `json:"initialBalance,omitempty"`
}

// SizingMode selects how destination volume is derived from source volume.
type SizingMode string

const (
	SizingProportional SizingMode = "proportional"
	SizingFixed        SizingMode = "fixed"
	SizingDynamic      SizingMode = "dynamic"
)

// DynamicTier is one row of a dynamic/degressive sizing table, keyed by the
// source base lot size.
type DynamicTier struct {
	Multiplier float64 `json:"multiplier"`
	MaxLots    float64 `json:"maxLots"`
}

// RuleSet is a named bundle of sizing policy, caps, intervals and filters.
type RuleSet struct {
	Type         SizingMode             `json:"type"`
	Multiplier   float64                `json:"multiplier,omitempty"`
	FixedLotSize float64                `json:"fixedLotSize,omitempty"`
	Dynamic      map[string]DynamicTier `json:"dynamic,omitempty"` // keyed by base lots, e.g. "0.50"

	MaxDailyTrades       int     `json:"maxDailyTrades"`
	MaxDailyLoss         float64 `json:"maxDailyLoss"`
	MinTimeBetweenTrades int64   `json:"minTimeBetweenTrades"` // milliseconds
	MaxOpenPositions     int     `json:"maxOpenPositions"`
	MaxConcurrentCycles  int     `json:"maxConcurrentCycles,omitempty"`
	BaseLots             float64 `json:"baseLots,omitempty"`
	SoftLossThreshold    float64 `json:"softLossThreshold,omitempty"`

	Filters []string `json:"filters"`
}

// FilterParams are the per-filter tuning knobs. A filter reads only the
// fields it cares about; zero values fall back to filter defaults.
type FilterParams struct {
	MinIntervalMs               int64   `json:"minIntervalMs,omitempty"`
	MaxLotsBase                 float64 `json:"maxLotsBase,omitempty"`
	AllowedUTCHours             []int   `json:"allowedUtcHours,omitempty"`
	PriceClusterPips            float64 `json:"priceClusterPips,omitempty"`
	MartingaleMultipleThreshold float64 `json:"martingaleMultipleThreshold,omitempty"`
}

// Notifications are the per-route notification toggles.
type Notifications struct {
	OnCopy   bool `json:"onCopy"`
	OnFilter bool `json:"onFilter"`
	OnError  bool `json:"onError"`
}

// Route wires a source account to a destination account under a rule set.
type Route struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	Source                string        `json:"source"`
	Destination           string        `json:"destination"`
	RuleSet               string        `json:"ruleSet"`
	Enabled               bool          `json:"enabled"`
	CopyExistingPositions bool          `json:"copyExistingPositions"`
	StopLossBufferPips    float64       `json:"stopLossBufferPips,omitempty"`
	TakeProfitBufferPips  float64       `json:"takeProfitBufferPips,omitempty"`
	Notifications         Notifications `json:"notifications"`
}

// EmergencyStop is the latching global loss kill switch.
type EmergencyStop struct {
	Enabled        bool    `json:"enabled"`
	DailyLossLimit float64 `json:"dailyLossLimit"`
}

// AlertSettings tune the performance monitor's alert pass and summaries.
type AlertSettings struct {
	PropFirmWarningThreshold float64 `json:"propFirmWarningThreshold"` // fraction of the loss limit, e.g. 0.8
	ConsecutiveLossAlert     int     `json:"consecutiveLossAlert"`
	SlippageThresholdPips    float64 `json:"slippageThresholdPips"`
	DailySummaryTimeUTC      string  `json:"dailySummaryTimeUTC"` // "HH:MM"
	WeeklySummaryDay         string  `json:"weeklySummaryDay"`    // e.g. "MON"
}

// GlobalSettings apply across all routes.
type GlobalSettings struct {
	EmergencyStopLoss EmergencyStop `json:"emergencyStopLoss"`
	AlertSettings     AlertSettings `json:"alertSettings"`
}

// Routing is the full routing document.
type Routing struct {
	Accounts       map[string]Account      `json:"accounts"`
	RuleSets       map[string]RuleSet      `json:"ruleSets"`
	Filters        map[string]FilterParams `json:"filters"`
	Routes         []Route                 `json:"routes"`
	GlobalSettings GlobalSettings          `json:"globalSettings"`
}

// LoadRouting parses the routing document at path. Unknown JSON fields are
// ignored; structural validation happens in Validate.
func LoadRouting(path string) (*Routing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing config: %w", err)
	}
	defer f.Close()

	var r Routing
	if err := json.NewDecoder(f).Decode(&r); err != nil {
		return nil, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	return &r, nil
}

// EnsureRouting loads the routing document, bootstrapping it from the
// adjacent example file when missing.
func EnsureRouting(path, examplePath string) (*Routing, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && examplePath != "" {
		if err := copyFile(examplePath, path); err != nil {
			return nil, fmt.Errorf("bootstrap routing config: %w", err)
		}
	}
	return LoadRouting(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Save writes the routing document back to path (used by route toggling).
// Writes go to a .tmp file first, then rename, so the config is never left
// half-written.
func (r *Routing) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write routing config: %w", err)
	}
	return os.Rename(tmp, path)
}

// RouteByID returns the route with the given id, or nil.
func (r *Routing) RouteByID(id string) *Route {
	for i := range r.Routes {
		if r.Routes[i].ID == id {
			return &r.Routes[i]
		}
	}
	return nil
}

// Validate checks every cross-reference in the document. knownFilter reports
// whether a filter name is implemented; rule sets referencing unknown filter
// names fail validation. Errors name the route or rule set at fault.
func (r *Routing) Validate(knownFilter func(name string) bool) error {
	if len(r.Accounts) == 0 {
		return fmt.Errorf("routing config: no accounts defined")
	}

	for name, rs := range r.RuleSets {
		switch rs.Type {
		case SizingProportional:
			if rs.Multiplier <= 0 {
				return fmt.Errorf("rule set %q: proportional sizing requires multiplier > 0", name)
			}
		case SizingFixed:
			if rs.FixedLotSize <= 0 {
				return fmt.Errorf("rule set %q: fixed sizing requires fixedLotSize > 0", name)
			}
		case SizingDynamic:
			if len(rs.Dynamic) == 0 {
				return fmt.Errorf("rule set %q: dynamic sizing requires a non-empty table", name)
			}
		default:
			return fmt.Errorf("rule set %q: unknown sizing type %q", name, rs.Type)
		}
		if rs.MaxDailyTrades < 0 || rs.MaxDailyLoss < 0 {
			return fmt.Errorf("rule set %q: caps must be non-negative", name)
		}
		for _, fn := range rs.Filters {
			if !knownFilter(fn) {
				return fmt.Errorf("rule set %q: unknown filter %q", name, fn)
			}
		}
	}

	seen := make(map[string]bool, len(r.Routes))
	for _, rt := range r.Routes {
		if rt.ID == "" {
			return fmt.Errorf("route %q: missing id", rt.Name)
		}
		if seen[rt.ID] {
			return fmt.Errorf("route %q: duplicate id", rt.ID)
		}
		seen[rt.ID] = true
		if _, ok := r.Accounts[rt.Source]; !ok {
			return fmt.Errorf("route %q: unknown source account %q", rt.ID, rt.Source)
		}
		if _, ok := r.Accounts[rt.Destination]; !ok {
			return fmt.Errorf("route %q: unknown destination account %q", rt.ID, rt.Destination)
		}
		if rt.Source == rt.Destination {
			return fmt.Errorf("route %q: source and destination are the same account", rt.ID)
		}
		if _, ok := r.RuleSets[rt.RuleSet]; !ok {
			return fmt.Errorf("route %q: unknown rule set %q", rt.ID, rt.RuleSet)
		}
	}

	if r.GlobalSettings.EmergencyStopLoss.Enabled && r.GlobalSettings.EmergencyStopLoss.DailyLossLimit <= 0 {
		return fmt.Errorf("globalSettings.emergencyStopLoss: dailyLossLimit must be > 0 when enabled")
	}
	return nil
}
