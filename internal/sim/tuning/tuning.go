package tuning

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/scene"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	Region             Region             `yaml:"region"`
	InterestManagement InterestManagement `yaml:"interest_management"`
	Viewer             Viewer             `yaml:"viewer"`
}

type Region struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	LocX  int     `yaml:"loc_x"`
	LocY  int     `yaml:"loc_y"`
	SizeX float64 `yaml:"size_x"`
	SizeY float64 `yaml:"size_y"`
}

type InterestManagement struct {
	UseCulling                    bool    `yaml:"use_culling"`
	UseDistanceBasedCulling       bool    `yaml:"use_distance_based_culling"`
	UpdatePrioritizationScheme    string  `yaml:"update_prioritization_scheme"`
	ChildReprioritizationDistance float64 `yaml:"child_reprioritization_distance"`
	RootReprioritizationDistance  float64 `yaml:"root_reprioritization_distance"`

	MaxUpdatesPerTick int `yaml:"max_updates_per_tick"`
	Workers           int `yaml:"workers"`
}

type Viewer struct {
	DefaultDrawDistance float64 `yaml:"default_draw_distance"`
	SendQueue           int     `yaml:"send_queue"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("interest.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("interest.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	ic := interest.DefaultConfig()
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      10,
		Region: Region{
			Name:  "default",
			LocX:  1000 * 256,
			LocY:  1000 * 256,
			SizeX: 256,
			SizeY: 256,
		},
		InterestManagement: InterestManagement{
			UseCulling:                    ic.UseCulling,
			UseDistanceBasedCulling:       ic.UseDistanceBasedCulling,
			UpdatePrioritizationScheme:    ic.UpdatePrioritizationScheme,
			ChildReprioritizationDistance: ic.ChildReprioritizationDistance,
			RootReprioritizationDistance:  ic.RootReprioritizationDistance,
			MaxUpdatesPerTick:             100,
			Workers:                       4,
		},
		Viewer: Viewer{
			DefaultDrawDistance: 64,
			SendQueue:           64,
		},
	}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.Region.ID = strings.TrimSpace(t.Region.ID)
	t.Region.Name = strings.TrimSpace(t.Region.Name)
	if t.Region.ID == "" {
		// Stable across restarts so agent placements keep pointing at this region.
		t.Region.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("region:"+t.Region.Name)).String()
	}
	im := &t.InterestManagement
	im.UpdatePrioritizationScheme = strings.TrimSpace(im.UpdatePrioritizationScheme)
	if im.Workers <= 0 {
		im.Workers = 1
	}
	if t.Viewer.SendQueue <= 0 {
		t.Viewer.SendQueue = 1
	}
}

// Validate rejects values the runtime cannot work with. Unknown prioritization
// schemes are accepted; the prioritizer falls back to OOB and warns.
func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in (0, 1000]")
	}
	if _, err := uuid.Parse(t.Region.ID); err != nil {
		return fmt.Errorf("region.id %q: %w", t.Region.ID, err)
	}
	if t.Region.SizeX <= 0 || t.Region.SizeY <= 0 {
		return fmt.Errorf("region size must be > 0")
	}
	im := t.InterestManagement
	if im.ChildReprioritizationDistance < 0 || im.RootReprioritizationDistance < 0 {
		return fmt.Errorf("reprioritization distances must be >= 0")
	}
	if im.MaxUpdatesPerTick <= 0 {
		return fmt.Errorf("max_updates_per_tick must be > 0")
	}
	if t.Viewer.DefaultDrawDistance < 0 {
		return fmt.Errorf("viewer.default_draw_distance must be >= 0")
	}
	return nil
}

// Interest returns the culling and prioritization settings.
func (t Tuning) Interest() interest.Config {
	im := t.InterestManagement
	return interest.Config{
		UseCulling:                    im.UseCulling,
		UseDistanceBasedCulling:       im.UseDistanceBasedCulling,
		UpdatePrioritizationScheme:    im.UpdatePrioritizationScheme,
		ChildReprioritizationDistance: im.ChildReprioritizationDistance,
		RootReprioritizationDistance:  im.RootReprioritizationDistance,
	}
}

// RegionInfo assumes t has been validated.
func (t Tuning) RegionInfo() scene.Info {
	return scene.Info{
		ID:    uuid.MustParse(t.Region.ID),
		Name:  t.Region.Name,
		LocX:  t.Region.LocX,
		LocY:  t.Region.LocY,
		SizeX: t.Region.SizeX,
		SizeY: t.Region.SizeY,
	}
}
