package scene

import (
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Fixture is a YAML description of region contents, used to populate a region at
// startup and by interestctl.
type Fixture struct {
	Presences []PresenceFixture `yaml:"presences"`
	Groups    []GroupFixture    `yaml:"groups"`
}

type PresenceFixture struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Pos          [3]float64     `yaml:"pos"`
	Camera       *CameraFixture `yaml:"camera"`
	DrawDistance float64        `yaml:"draw_distance"`
	ChildAgent   bool           `yaml:"child_agent"`
	SitOn        string         `yaml:"sit_on"` // part id
}

type CameraFixture struct {
	Pos [3]float64 `yaml:"pos"`
	At  [3]float64 `yaml:"at"`
}

type GroupFixture struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Pos         [3]float64    `yaml:"pos"`
	Rot         *[4]float64   `yaml:"rot"` // x, y, z, w
	AttachedTo  string        `yaml:"attached_to"`
	AttachPoint int           `yaml:"attach_point"`
	Root        PartFixture   `yaml:"root"`
	Children    []PartFixture `yaml:"children"`
}

type PartFixture struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Offset   [3]float64  `yaml:"offset"`
	Rot      *[4]float64 `yaml:"rot"`
	Scale    [3]float64  `yaml:"scale"`
	Physical bool        `yaml:"physical"`
}

func LoadFixture(path string) (Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	var f Fixture
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Apply adds the fixture's presences and groups to r, then wires attachments and
// seats. Entities without an id get a random one.
func (f Fixture) Apply(r *Region) error {
	for i, pf := range f.Presences {
		id, err := parseOptionalID(pf.ID)
		if err != nil {
			return fmt.Errorf("presences[%d]: %w", i, err)
		}
		p := NewPresence(PresenceSpec{
			ID:           id,
			Name:         pf.Name,
			Position:     vec3(pf.Pos),
			DrawDistance: pf.DrawDistance,
			ChildAgent:   pf.ChildAgent,
		})
		if err := r.AddPresence(p); err != nil {
			return fmt.Errorf("presences[%d]: %w", i, err)
		}
		if pf.Camera != nil {
			if err := r.UpdateCamera(p.ID(), vec3(pf.Camera.Pos), vec3(pf.Camera.At)); err != nil {
				return fmt.Errorf("presences[%d]: %w", i, err)
			}
		}
	}

	for i, gf := range f.Groups {
		spec, err := gf.spec()
		if err != nil {
			return fmt.Errorf("groups[%d]: %w", i, err)
		}
		g := NewGroup(spec)
		if err := r.AddGroup(g); err != nil {
			return fmt.Errorf("groups[%d]: %w", i, err)
		}
		if gf.AttachedTo != "" {
			avatar, err := uuid.Parse(gf.AttachedTo)
			if err != nil {
				return fmt.Errorf("groups[%d].attached_to: %w", i, err)
			}
			if err := r.Attach(g.ID(), avatar, gf.AttachPoint); err != nil {
				return fmt.Errorf("groups[%d]: %w", i, err)
			}
		}
	}

	for i, pf := range f.Presences {
		if pf.SitOn == "" {
			continue
		}
		part, err := uuid.Parse(pf.SitOn)
		if err != nil {
			return fmt.Errorf("presences[%d].sit_on: %w", i, err)
		}
		// Ids were validated above; a random id cannot be referenced.
		id, _ := uuid.Parse(pf.ID)
		if err := r.Sit(id, part); err != nil {
			return fmt.Errorf("presences[%d]: %w", i, err)
		}
	}
	return nil
}

func (gf GroupFixture) spec() (GroupSpec, error) {
	id, err := parseOptionalID(gf.ID)
	if err != nil {
		return GroupSpec{}, err
	}
	root, err := gf.Root.spec()
	if err != nil {
		return GroupSpec{}, fmt.Errorf("root: %w", err)
	}
	spec := GroupSpec{ID: id, Name: gf.Name, Position: vec3(gf.Pos), Rotation: quat(gf.Rot), Root: root}
	for j, c := range gf.Children {
		cs, err := c.spec()
		if err != nil {
			return GroupSpec{}, fmt.Errorf("children[%d]: %w", j, err)
		}
		spec.Children = append(spec.Children, cs)
	}
	return spec, nil
}

func (pf PartFixture) spec() (PartSpec, error) {
	id, err := parseOptionalID(pf.ID)
	if err != nil {
		return PartSpec{}, err
	}
	return PartSpec{
		ID:       id,
		Name:     pf.Name,
		Offset:   vec3(pf.Offset),
		Rotation: quat(pf.Rot),
		Scale:    vec3(pf.Scale),
		Physical: pf.Physical,
	}, nil
}

func parseOptionalID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("id %q: %w", s, err)
	}
	return id, nil
}

func vec3(v [3]float64) mgl64.Vec3 { return mgl64.Vec3{v[0], v[1], v[2]} }

func quat(q *[4]float64) mgl64.Quat {
	if q == nil {
		return mgl64.QuatIdent()
	}
	return mgl64.Quat{W: q[3], V: mgl64.Vec3{q[0], q[1], q[2]}}.Normalize()
}
