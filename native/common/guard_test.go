package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuard(t *testing.T) {
	require.NoError(t, Guard(nil, "vault"))

	pauses := NewPauses()
	require.NoError(t, Guard(pauses, "vault"))

	pauses.Set(" Vault ", true)
	require.ErrorIs(t, Guard(pauses, "vault"), ErrModulePaused)
	require.NoError(t, Guard(pauses, ""))

	pauses.Set("vault", false)
	require.NoError(t, Guard(pauses, "vault"))
}
