package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTokenStorage_TakeRemovesToken(t *testing.T) {
	storage := NewInMemoryTokenStorage(time.Minute)
	pending := PendingVerification{ParticipantId: "user42", Nonce: "abc"}

	require.NoError(t, storage.StoreToken("s1", pending))

	got, err := storage.TakeToken("s1")
	require.NoError(t, err)
	require.Equal(t, pending, got)

	_, err = storage.TakeToken("s1")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestInMemoryTokenStorage_StoreReplaces(t *testing.T) {
	storage := NewInMemoryTokenStorage(time.Minute)

	require.NoError(t, storage.StoreToken("s1", PendingVerification{ParticipantId: "a", Nonce: "1"}))
	require.NoError(t, storage.StoreToken("s1", PendingVerification{ParticipantId: "b", Nonce: "2"}))

	got, err := storage.TakeToken("s1")
	require.NoError(t, err)
	require.Equal(t, "b", got.ParticipantId)
}

func TestInMemoryTokenStorage_Expires(t *testing.T) {
	now := time.Date(2025, 7, 16, 9, 0, 0, 0, time.UTC)
	storage := NewInMemoryTokenStorage(time.Minute)
	storage.now = func() time.Time { return now }

	require.NoError(t, storage.StoreToken("old", PendingVerification{ParticipantId: "a", Nonce: "1"}))
	now = now.Add(2 * time.Minute)

	_, err := storage.TakeToken("old")
	require.ErrorIs(t, err, ErrTokenNotFound)

	// expired entries are evicted on the next store
	require.NoError(t, storage.StoreToken("stale", PendingVerification{ParticipantId: "a", Nonce: "1"}))
	now = now.Add(2 * time.Minute)
	require.NoError(t, storage.StoreToken("fresh", PendingVerification{ParticipantId: "b", Nonce: "2"}))
	require.Len(t, storage.TokenMap, 1)
	require.Contains(t, storage.TokenMap, "fresh")
}

func TestRedeemVerification(t *testing.T) {
	storage := NewInMemoryTokenStorage(time.Minute)
	require.NoError(t, storage.StoreToken("s1", PendingVerification{ParticipantId: "user42", Nonce: "n1", Purpose: PurposeVerify}))

	pending, err := redeemVerification(storage, "s1", "n1", PurposeVerify)
	require.NoError(t, err)
	require.Equal(t, "user42", pending.ParticipantId)

	_, err = redeemVerification(storage, "s1", "n1", PurposeVerify)
	require.Error(t, err)
}

func TestRedeemVerification_Fail_WrongPurpose(t *testing.T) {
	storage := NewInMemoryTokenStorage(time.Minute)
	require.NoError(t, storage.StoreToken("s1", PendingVerification{ParticipantId: "user42", Nonce: "n1", Purpose: PurposeVerify}))

	_, err := redeemVerification(storage, "s1", "n1", PurposeRoom)
	require.ErrorContains(t, err, ERR_INVALID_NONCE_SESSION)
}

func TestRedeemVerification_Fail_BadNonce(t *testing.T) {
	storage := NewInMemoryTokenStorage(time.Minute)
	require.NoError(t, storage.StoreToken("s1", PendingVerification{ParticipantId: "user42", Nonce: "n1", Purpose: PurposeVerify}))

	_, err := redeemVerification(storage, "s1", "wrong", PurposeVerify)
	require.ErrorContains(t, err, ERR_INVALID_NONCE_SESSION)

	_, err = storage.TakeToken("s1")
	require.ErrorIs(t, err, ErrTokenNotFound)
}
