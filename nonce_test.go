package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonceGeneration(t *testing.T) {
	nonce1, err := GenerateNonce(16)
	require.NoError(t, err)
	// each byte is represented by 2 hex characters so length will be doubled
	require.Len(t, nonce1, 32)

	nonce2, err := GenerateNonce(16)
	require.NoError(t, err)
	require.NotEqual(t, nonce1, nonce2)
}

func TestSessionIdGeneration(t *testing.T) {

	sessionId := GenerateSessionId()
	require.Len(t, sessionId, 32)
}
