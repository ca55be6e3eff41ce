package config

import (
	"os"
	"path/filepath"
	"testing"
)

func knownFilters(name string) bool {
	switch name {
	case "already-processed", "daily-loss-guard", "min-interval":
		return true
	}
	return false
}

func validRouting() *Routing {
	return &Routing{
		Accounts: map[string]Account{
			"src": {Nickname: "Source", Platform: "mt4", Region: "london", Type: AccountLive},
			"dst": {Nickname: "Dest", Platform: "mt5", Region: "new-york", Type: AccountPropEvaluation},
		},
		RuleSets: map[string]RuleSet{
			"rs": {
				Type:       SizingProportional,
				Multiplier: 1.0,
				Filters:    []string{"already-processed", "daily-loss-guard"},
			},
		},
		Routes: []Route{
			{ID: "r1", Name: "test", Source: "src", Destination: "dst", RuleSet: "rs", Enabled: true},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	if err := validRouting().Validate(knownFilters); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Routing)
	}{
		{"no accounts", func(r *Routing) { r.Accounts = nil }},
		{"unknown source", func(r *Routing) { r.Routes[0].Source = "nope" }},
		{"unknown destination", func(r *Routing) { r.Routes[0].Destination = "nope" }},
		{"self route", func(r *Routing) { r.Routes[0].Destination = "src" }},
		{"unknown rule set", func(r *Routing) { r.Routes[0].RuleSet = "nope" }},
		{"missing route id", func(r *Routing) { r.Routes[0].ID = "" }},
		{"duplicate route id", func(r *Routing) {
			r.Routes = append(r.Routes, r.Routes[0])
		}},
		{"unknown filter", func(r *Routing) {
			rs := r.RuleSets["rs"]
			rs.Filters = []string{"not-a-filter"}
			r.RuleSets["rs"] = rs
		}},
		{"proportional without multiplier", func(r *Routing) {
			rs := r.RuleSets["rs"]
			rs.Multiplier = 0
			r.RuleSets["rs"] = rs
		}},
		{"fixed without lot size", func(r *Routing) {
			r.RuleSets["rs"] = RuleSet{Type: SizingFixed}
		}},
		{"dynamic without table", func(r *Routing) {
			r.RuleSets["rs"] = RuleSet{Type: SizingDynamic}
		}},
		{"unknown sizing type", func(r *Routing) {
			r.RuleSets["rs"] = RuleSet{Type: "martingale"}
		}},
		{"negative cap", func(r *Routing) {
			rs := r.RuleSets["rs"]
			rs.MaxDailyLoss = -1
			r.RuleSets["rs"] = rs
		}},
		{"emergency stop without limit", func(r *Routing) {
			r.GlobalSettings.EmergencyStopLoss = EmergencyStop{Enabled: true}
		}},
	}

	for _, tc := range cases {
		r := validRouting()
		tc.mutate(r)
		if err := r.Validate(knownFilters); err == nil {
			t.Errorf("%s: Validate accepted a broken document", tc.name)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.json")

	orig := validRouting()
	orig.Routes[0].Enabled = false
	if err := orig.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadRouting(path)
	if err != nil {
		t.Fatalf("LoadRouting: %v", err)
	}
	if len(loaded.Routes) != 1 || loaded.Routes[0].Enabled {
		t.Errorf("loaded routes = %+v, want disabled r1", loaded.Routes)
	}
	if loaded.Accounts["src"].Nickname != "Source" {
		t.Errorf("loaded accounts = %+v", loaded.Accounts)
	}

	// Atomic write: no .tmp left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Save left a .tmp file behind")
	}
}

func TestEnsureRoutingBootstrapsFromExample(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	example := filepath.Join(dir, "routing.example.json")
	path := filepath.Join(dir, "sub", "routing.json")

	if err := validRouting().Save(example); err != nil {
		t.Fatalf("Save example: %v", err)
	}

	r, err := EnsureRouting(path, example)
	if err != nil {
		t.Fatalf("EnsureRouting: %v", err)
	}
	if r.RouteByID("r1") == nil {
		t.Error("bootstrapped document missing route r1")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("bootstrap did not create %s: %v", path, err)
	}
}

func TestEnsureRoutingMissingBoth(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := EnsureRouting(filepath.Join(dir, "none.json"), filepath.Join(dir, "also-none.json")); err == nil {
		t.Error("EnsureRouting should fail when neither file exists")
	}
}

func TestRouteByID(t *testing.T) {
	t.Parallel()
	r := validRouting()
	if got := r.RouteByID("r1"); got == nil || got.ID != "r1" {
		t.Errorf("RouteByID(r1) = %+v", got)
	}
	if r.RouteByID("missing") != nil {
		t.Error("RouteByID(missing) should be nil")
	}

	// The pointer aliases the slice element so toggles persist.
	r.RouteByID("r1").Enabled = false
	if r.Routes[0].Enabled {
		t.Error("mutation through RouteByID did not stick")
	}
}
