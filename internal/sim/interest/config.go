package interest

import (
	"fmt"
	"strings"
)

// MinDrawDistance is the smallest draw distance culling will honour.
const MinDrawDistance = 32.0

// largeObjectSize is the per-plane diagonal above which an object's corners are
// sampled when its centre is out of range.
const largeObjectSize = 10.0

type Config struct {
	UseCulling              bool
	UseDistanceBasedCulling bool

	UpdatePrioritizationScheme    string
	ChildReprioritizationDistance float64
	RootReprioritizationDistance  float64
}

func DefaultConfig() Config {
	return Config{
		UseCulling:                    true,
		UseDistanceBasedCulling:       true,
		UpdatePrioritizationScheme:    SchemeOOB.String(),
		ChildReprioritizationDistance: 20,
		RootReprioritizationDistance:  10,
	}
}

// Scheme names a prioritization policy.
type Scheme int

const (
	SchemeTime Scheme = iota
	SchemeDistance
	SchemeSimpleAngularDistance
	SchemeFrontBack
	SchemeBestAvatarResponsiveness
	SchemeOOB
)

var schemeNames = map[Scheme]string{
	SchemeTime:                     "Time",
	SchemeDistance:                 "Distance",
	SchemeSimpleAngularDistance:    "SimpleAngularDistance",
	SchemeFrontBack:                "FrontBack",
	SchemeBestAvatarResponsiveness: "BestAvatarResponsiveness",
	SchemeOOB:                      "OOB",
}

func (s Scheme) String() string {
	if n, ok := schemeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ParseScheme matches a scheme name case-insensitively.
func ParseScheme(name string) (Scheme, error) {
	name = strings.TrimSpace(name)
	for s, n := range schemeNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return SchemeOOB, fmt.Errorf("unknown prioritization scheme %q", name)
}

// Schemes lists every scheme in declaration order.
func Schemes() []Scheme {
	return []Scheme{
		SchemeTime,
		SchemeDistance,
		SchemeSimpleAngularDistance,
		SchemeFrontBack,
		SchemeBestAvatarResponsiveness,
		SchemeOOB,
	}
}
