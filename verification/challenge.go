package verification

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go-proctoring-server/inference"

	"gopkg.in/yaml.v3"
)

// ChallengeLength is the number of gestures a participant has to perform.
const ChallengeLength = 5

//go:embed gestures.yaml
var catalogYAML []byte

var ErrCatalogTooSmall = errors.New("gesture catalog has fewer entries than the challenge length")

type Gesture struct {
	Name  string `yaml:"name" json:"name"`
	Image string `yaml:"image" json:"image"`
}

type Catalog struct {
	Gestures []Gesture `yaml:"gestures"`
}

// LoadCatalog parses a YAML gesture catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse gesture catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Gestures))
	for _, g := range c.Gestures {
		name := inference.NormalizeLabel(g.Name)
		if name == "" {
			return nil, fmt.Errorf("gesture catalog entry without a name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate gesture %q in catalog", g.Name)
		}
		seen[name] = true
	}
	return &c, nil
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := LoadCatalog(catalogYAML)
	if err != nil {
		panic(err)
	}
	return c
})

// DefaultCatalog is the built-in six gesture catalog.
func DefaultCatalog() *Catalog {
	return defaultCatalog()
}

// Challenge is an ordered list of target gestures with a cursor that only moves
// forward on an exact match with the current target.
type Challenge struct {
	targets []Gesture
	cursor  int
}

// NewChallenge draws n distinct gestures from the catalog in random order.
func NewChallenge(catalog *Catalog, n int, rng *rand.Rand) (*Challenge, error) {
	if n > len(catalog.Gestures) {
		return nil, ErrCatalogTooSmall
	}
	targets := make([]Gesture, 0, n)
	for _, i := range rng.Perm(len(catalog.Gestures))[:n] {
		targets = append(targets, catalog.Gestures[i])
	}
	return &Challenge{targets: targets}, nil
}

// Current returns the gesture to perform next; ok is false once completed.
func (c *Challenge) Current() (Gesture, bool) {
	if c.Completed() {
		return Gesture{}, false
	}
	return c.targets[c.cursor], true
}

// Observe compares a recognized label with the current target and advances on a
// match. Anything else leaves the cursor where it is.
func (c *Challenge) Observe(label string) (matched bool) {
	target, ok := c.Current()
	if !ok {
		return false
	}
	if inference.NormalizeLabel(label) != inference.NormalizeLabel(target.Name) {
		return false
	}
	c.cursor++
	return true
}

func (c *Challenge) Cursor() int     { return c.cursor }
func (c *Challenge) Len() int        { return len(c.targets) }
func (c *Challenge) Completed() bool { return c.cursor >= len(c.targets) }

func (c *Challenge) Targets() []Gesture {
	out := make([]Gesture, len(c.targets))
	copy(out, c.targets)
	return out
}
