package verification

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.Len(t, c.Gestures, 6)

	var names []string
	for _, g := range c.Gestures {
		names = append(names, g.Name)
		require.NotEmpty(t, g.Image)
	}
	require.ElementsMatch(t, []string{"closed_fist", "open_palm", "pointing_up", "thumb_up", "thumb_down", "victory"}, names)
}

func TestLoadCatalog_RejectsDuplicates(t *testing.T) {
	_, err := LoadCatalog([]byte("gestures:\n  - name: Thumb_Up\n  - name: THUMB_UP\n"))
	require.Error(t, err)

	_, err = LoadCatalog([]byte("gestures: ["))
	require.Error(t, err)
}

func TestNewChallenge_DistinctFromCatalog(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		c, err := NewChallenge(DefaultCatalog(), ChallengeLength, rng)
		require.NoError(t, err)
		require.Equal(t, ChallengeLength, c.Len())

		seen := map[string]bool{}
		for _, g := range c.Targets() {
			require.False(t, seen[g.Name], "duplicate %s", g.Name)
			seen[g.Name] = true
		}
	}

	_, err := NewChallenge(DefaultCatalog(), 7, rng)
	require.ErrorIs(t, err, ErrCatalogTooSmall)
}

func TestChallenge_CursorAdvancesOnlyOnMatch(t *testing.T) {
	c, err := NewChallenge(DefaultCatalog(), ChallengeLength, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	targets := c.Targets()

	wrong := func(target string) string {
		for _, g := range DefaultCatalog().Gestures {
			if g.Name != target {
				return g.Name
			}
		}
		return ""
	}

	for i, target := range targets {
		require.Equal(t, i, c.Cursor())
		require.False(t, c.Observe(wrong(target.Name)))
		require.False(t, c.Observe("None"))
		require.Equal(t, i, c.Cursor())

		require.True(t, c.Observe(target.Name))
	}

	require.True(t, c.Completed())
	_, ok := c.Current()
	require.False(t, ok)
	require.False(t, c.Observe(targets[0].Name))
	require.Equal(t, ChallengeLength, c.Cursor())
}

func TestChallenge_MatchIsCaseInsensitive(t *testing.T) {
	c := &Challenge{targets: []Gesture{{Name: "thumb_up"}, {Name: "victory"}}}
	require.True(t, c.Observe("Thumb_Up"))
	require.True(t, c.Observe("VICTORY"))
	require.True(t, c.Completed())
}

func TestChallenge_MatchKeepsSeparators(t *testing.T) {
	c := &Challenge{targets: []Gesture{{Name: "thumb_up"}}}
	require.False(t, c.Observe("thumb up"))
	require.False(t, c.Observe("Thumb-Up"))
	require.Equal(t, 0, c.Cursor())
	require.True(t, c.Observe("Thumb_Up"))
}
