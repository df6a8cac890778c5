package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_Tiers(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, backoffDelay(1, base))
	require.Equal(t, base, backoffDelay(19, base))
	require.Equal(t, 1000*time.Millisecond, backoffDelay(20, base))
	require.Equal(t, 1000*time.Millisecond, backoffDelay(39, base))
	require.Equal(t, 10000*time.Millisecond, backoffDelay(40, base))
	require.Equal(t, 10000*time.Millisecond, backoffDelay(1000, base))
}

func TestBackoffDelay_FixedTiersIndependentOfStartingDelay(t *testing.T) {
	// Spec §4.7 names the [20,40) and >=40 tiers as fixed absolute values,
	// not scaled by startingRecoveryDelayMs — unlike the N<20 tier, which
	// tracks it directly.
	require.Equal(t, 1000*time.Millisecond, backoffDelay(25, 5*time.Millisecond))
	require.Equal(t, 10000*time.Millisecond, backoffDelay(45, 5*time.Millisecond))
	require.Equal(t, 5*time.Millisecond, backoffDelay(1, 5*time.Millisecond))
}
