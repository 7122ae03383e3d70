package electrumchi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, int64(defaultFeePerKw), cfg.FeePerKw)
	require.Equal(t, uint32(defaultFundingConfs), cfg.FundingConfs)
	require.False(t, cfg.Faults.DisableHtlcSettle)

	// The tower database defaults next to the channel database.
	require.Equal(t, cfg.DataDir, cfg.Watchtower.TowerDir)
}

func TestLoadConfigFlags(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig([]string{
		"--datadir=/tmp/chi",
		"--feerate=5000",
		"--watchtower.active",
		"--faults.disable_htlc_settle",
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/chi", cfg.DataDir)
	require.Equal(t, int64(5000), cfg.FeePerKw)
	require.True(t, cfg.Watchtower.Active)
	require.True(t, cfg.FaultFlags().DisableHtlcSettle)
	require.False(t, cfg.FaultFlags().ForceMalformedHtlc)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig([]string{"--feerate=0"})
	require.Error(t, err)

	_, err = LoadConfig([]string{"--csvdelay=0"})
	require.Error(t, err)
}
