package grid

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config seeds the grid registry from regions.yaml.
type Config struct {
	Regions []RegionSpec    `yaml:"regions"`
	Agents  []PlacementSpec `yaml:"agents,omitempty"`
}

type RegionSpec struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	LocX  int     `yaml:"loc_x"`
	LocY  int     `yaml:"loc_y"`
	SizeX float64 `yaml:"size_x"`
	SizeY float64 `yaml:"size_y"`
}

type PlacementSpec struct {
	AgentID  string `yaml:"agent_id"`
	RegionID string `yaml:"region_id"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("regions.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("regions.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Regions {
		r := &c.Regions[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Name = strings.TrimSpace(r.Name)
		if r.SizeX <= 0 {
			r.SizeX = 256
		}
		if r.SizeY <= 0 {
			r.SizeY = 256
		}
	}
	for i := range c.Agents {
		c.Agents[i].AgentID = strings.TrimSpace(c.Agents[i].AgentID)
		c.Agents[i].RegionID = strings.TrimSpace(c.Agents[i].RegionID)
	}
}

func (c Config) Validate() error {
	c.Normalize()
	ids := map[string]bool{}
	locs := map[[2]int]string{}
	for _, r := range c.Regions {
		if _, err := uuid.Parse(r.ID); err != nil {
			return fmt.Errorf("region %q: bad id: %w", r.Name, err)
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate region id: %s", r.ID)
		}
		ids[r.ID] = true
		loc := [2]int{r.LocX, r.LocY}
		if other, ok := locs[loc]; ok {
			return fmt.Errorf("regions %s and %s share location %d,%d", other, r.ID, r.LocX, r.LocY)
		}
		locs[loc] = r.ID
	}
	for i, a := range c.Agents {
		if _, err := uuid.Parse(a.AgentID); err != nil {
			return fmt.Errorf("agents[%d]: bad agent_id: %w", i, err)
		}
		if !ids[a.RegionID] {
			return fmt.Errorf("agents[%d]: region_id %q not found in regions", i, a.RegionID)
		}
	}
	return nil
}

// Seed upserts every region and placement in cfg.
func (s *Store) Seed(ctx context.Context, cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, r := range cfg.Regions {
		err := s.UpsertRegion(ctx, Region{
			ID:    uuid.MustParse(r.ID),
			Name:  r.Name,
			LocX:  r.LocX,
			LocY:  r.LocY,
			SizeX: r.SizeX,
			SizeY: r.SizeY,
		})
		if err != nil {
			return err
		}
	}
	for _, a := range cfg.Agents {
		if err := s.SetAgentRegion(ctx, uuid.MustParse(a.AgentID), uuid.MustParse(a.RegionID)); err != nil {
			return err
		}
	}
	return nil
}
