package defi

import (
	"testing"

	"ltv-alert/internal/core"
	"ltv-alert/internal/defi/anchor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientManager_Anchor(t *testing.T) {
	cm, err := NewClientManager(SourceConfig{
		Protocol:         core.ProtocolAnchor,
		LCDURL:           "http://127.0.0.1:1317",
		MarketContract:   "terra1market",
		OverseerContract: "terra1overseer",
	})
	require.NoError(t, err)
	defer cm.Close()

	assert.Equal(t, core.ProtocolAnchor, cm.Protocol())
	assert.IsType(t, &anchor.Client{}, cm.Source())
}

func TestNewClientManager_AnchorMissingContracts(t *testing.T) {
	_, err := NewClientManager(SourceConfig{Protocol: core.ProtocolAnchor, LCDURL: "http://lcd"})
	assert.Error(t, err)
}

func TestNewClientManager_AaveUnsupportedChain(t *testing.T) {
	_, err := NewClientManager(SourceConfig{Protocol: core.ProtocolAaveV3, ChainID: "999999"})
	assert.Error(t, err)
}

func TestNewClientManager_UnknownProtocol(t *testing.T) {
	_, err := NewClientManager(SourceConfig{Protocol: "compound"})
	assert.ErrorContains(t, err, "unsupported protocol")
}
