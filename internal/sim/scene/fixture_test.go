package scene

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestLoadFixture_Harbor(t *testing.T) {
	f, err := LoadFixture("../../../configs/harbor.scene.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRegion(Info{ID: uuid.New(), Name: "Harbor", SizeX: 256, SizeY: 256})
	if err := f.Apply(r); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := len(r.Presences()); got != 2 {
		t.Fatalf("presences=%d want 2", got)
	}
	if got := len(r.Groups()); got != 5 {
		t.Fatalf("groups=%d want 5", got)
	}

	dockhand, _ := r.PresenceByID(uuid.MustParse("3b8e1f4d-7a6c-4e29-b1d0-5c2a9f8e6d17"))
	if dockhand.SittingOn() != uuid.MustParse("6e4a2c8f-1b3d-4f7a-9e5c-0d8b6a2f4c19") {
		t.Fatalf("dockhand sitting on %s", dockhand.SittingOn())
	}

	master := uuid.MustParse("9d2f6b1a-4c7e-4a3b-8f05-1e6d2c9b7a31")
	var attached int
	for _, g := range r.Groups() {
		if g.IsAttachment() {
			attached++
			if g.AttachedAvatar() != master || g.AttachmentPoint() != 6 {
				t.Fatalf("attachment %s worn by %s at %d", g.Name(), g.AttachedAvatar(), g.AttachmentPoint())
			}
		}
	}
	if attached != 1 {
		t.Fatalf("attachments=%d want 1", attached)
	}

	crane, _ := r.GroupByID(uuid.MustParse("2c7f9e3b-5d1a-4b8e-a6f2-9e3c1d7b5a40"))
	if len(crane.Parts()) != 2 || crane.RootPart().Name() != "crane-base" {
		t.Fatalf("crane parts=%d root=%q", len(crane.Parts()), crane.RootPart().Name())
	}
}

func TestFixtureApply_Errors(t *testing.T) {
	r := NewRegion(Info{ID: uuid.New(), SizeX: 256, SizeY: 256})
	bad := Fixture{Presences: []PresenceFixture{{ID: "not-a-uuid"}}}
	if err := bad.Apply(r); err == nil {
		t.Fatalf("expected id error")
	}

	wearer := uuid.NewString()
	orphan := Fixture{Groups: []GroupFixture{{Name: "hat", AttachedTo: wearer, Root: PartFixture{Scale: [3]float64{1, 1, 1}}}}}
	if err := orphan.Apply(r); !errors.Is(err, ErrUnknownPresence) {
		t.Fatalf("err=%v want ErrUnknownPresence", err)
	}

	seat := Fixture{Presences: []PresenceFixture{{ID: uuid.NewString(), SitOn: uuid.NewString()}}}
	if err := seat.Apply(r); !errors.Is(err, ErrUnknownPart) {
		t.Fatalf("err=%v want ErrUnknownPart", err)
	}
}
