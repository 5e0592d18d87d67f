package proctoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	// 20:30 UTC on the 15th is already the 16th in UTC+7.
	now := time.Date(2025, 7, 15, 20, 30, 0, 0, time.UTC)

	s := NewSession("user42", now, jakarta)
	require.Equal(t, "2025-07-16", s.Date)
	require.Equal(t, "2025-07-16-user42", s.Key)
	require.Equal(t, "user42", s.ParticipantID)
	require.NotEmpty(t, s.ID)
	require.Equal(t, Flags{}, s.Flags())

	other := NewSession("user42", now, jakarta)
	require.NotEqual(t, s.ID, other.ID)
}

func TestSessionFlags(t *testing.T) {
	s := NewSession("user42", time.Now(), time.UTC)

	s.SetHydrated(true)
	s.SetStartProctoring(true)
	require.Equal(t, Flags{Hydrated: true, StartProctoring: true}, s.Flags())

	s.SetMainDevice(true)
	s.SetStartProctoring(false)
	require.Equal(t, Flags{Hydrated: true, MainDevice: true}, s.Flags())
}
