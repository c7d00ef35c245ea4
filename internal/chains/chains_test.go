package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaults(t *testing.T) {
	registry, err := NewRegistry(nil)
	require.NoError(t, err)

	eth, err := registry.Resolve("ethereum")
	require.NoError(t, err)
	assert.Equal(t, FamilyAccountModel, eth.Family)
	assert.Equal(t, uint8(18), eth.NativeDecimals)
	assert.Equal(t, 200, eth.MaxBatchSize)

	sol, err := registry.Resolve("solana")
	require.NoError(t, err)
	assert.Equal(t, FamilyAssociatedAccount, sol.Family)
	assert.Equal(t, uint8(9), sol.NativeDecimals)
	assert.Equal(t, 10, sol.MaxBatchSize)
	assert.Equal(t, 6, sol.CreateSubBatchSize)
	assert.Equal(t, uint64(5_000), sol.SignatureFee)
}

func TestRegistryOverrides(t *testing.T) {
	registry, err := NewRegistry([]Override{
		{
			ChainID:             "ethereum",
			RPCURL:              "https://rpc.example.com",
			MaxBatchSize:        150,
			FallbackGasPriceWei: 12_000_000_000,
		},
		{ChainID: "solana", PriorityFee: 25_000},
	})
	require.NoError(t, err)

	eth, err := registry.Resolve("ethereum")
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.com", eth.RPCURL)
	assert.Equal(t, 150, eth.MaxBatchSize)
	assert.Equal(t, uint64(12_000_000_000), eth.FallbackGasPriceWei)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint64(35_000), eth.GasPerTransfer)

	sol, err := registry.Resolve("solana")
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000), sol.PriorityFee)
	assert.Equal(t, uint64(5_000), sol.SignatureFee)
}

func TestRegistryRejectsUnknownOverride(t *testing.T) {
	_, err := NewRegistry([]Override{{ChainID: "dogecoin"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dogecoin")
}

func TestResolveUnknownChain(t *testing.T) {
	registry, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = registry.Resolve("near")
	assert.Error(t, err)
}

func TestAllListsEveryChain(t *testing.T) {
	registry, err := NewRegistry(nil)
	require.NoError(t, err)

	all := registry.All()
	assert.Len(t, all, 5)

	seen := make(map[string]bool, len(all))
	for _, c := range all {
		seen[c.ID] = true
	}
	assert.True(t, seen["ethereum"])
	assert.True(t, seen["solana-devnet"])
}
