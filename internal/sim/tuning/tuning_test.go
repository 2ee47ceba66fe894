package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"gridsim.ai/internal/sim/interest"
)

func TestLoad_InterestYAML(t *testing.T) {
	cfg, err := Load("../../../configs/interest.yaml")
	if err != nil {
		t.Fatalf("load interest.yaml: %v", err)
	}
	if cfg.TickRateHz != 10 {
		t.Fatalf("tick_rate_hz=%d want 10", cfg.TickRateHz)
	}
	ic := cfg.Interest()
	if !ic.UseCulling || !ic.UseDistanceBasedCulling {
		t.Fatalf("culling should be enabled: %+v", ic)
	}
	if s, err := interest.ParseScheme(ic.UpdatePrioritizationScheme); err != nil || s != interest.SchemeOOB {
		t.Fatalf("scheme=%q err=%v", ic.UpdatePrioritizationScheme, err)
	}
	info := cfg.RegionInfo()
	if info.Name != "Harbor" || info.SizeX != 256 || info.LocX != 256000 {
		t.Fatalf("region info=%+v", info)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interest.yaml")
	raw := "interest_management:\n  update_prioritization_scheme: FrontBack\n  max_updates_per_tick: 7\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	im := cfg.InterestManagement
	if !im.UseCulling || im.ChildReprioritizationDistance != 20 || im.RootReprioritizationDistance != 10 {
		t.Fatalf("defaults lost: %+v", im)
	}
	if im.MaxUpdatesPerTick != 7 || im.UpdatePrioritizationScheme != "FrontBack" {
		t.Fatalf("overrides lost: %+v", im)
	}
	if cfg.Region.ID == "" {
		t.Fatalf("normalize should derive a region id")
	}
	again, _ := Load(path)
	if again.Region.ID != cfg.Region.ID {
		t.Fatalf("derived region id not stable: %s vs %s", again.Region.ID, cfg.Region.ID)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := cfg
	bad.TickRateHz = 0
	if bad.Validate() == nil {
		t.Fatalf("expected tick_rate_hz error")
	}
	bad = cfg
	bad.Region.ID = "not-a-uuid"
	if bad.Validate() == nil {
		t.Fatalf("expected region id error")
	}
	bad = cfg
	bad.InterestManagement.MaxUpdatesPerTick = 0
	if bad.Validate() == nil {
		t.Fatalf("expected max_updates_per_tick error")
	}

	unknown := cfg
	unknown.InterestManagement.UpdatePrioritizationScheme = "Nearest"
	if err := unknown.Validate(); err != nil {
		t.Fatalf("unknown scheme should be left to the prioritizer: %v", err)
	}
}
