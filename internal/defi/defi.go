package defi

import (
	"fmt"
	"log"

	"ltv-alert/internal/core"
	"ltv-alert/internal/defi/aave"
	"ltv-alert/internal/defi/anchor"
	"ltv-alert/internal/ltv"
)

// SourceConfig selects and configures the protocol LTV source
type SourceConfig struct {
	Protocol string

	// anchor
	LCDURL           string
	MarketContract   string
	OverseerContract string
	MaxLTV           float64

	// aave-v3
	ChainID string
}

// ClientManager owns the protocol client behind the LTV source
type ClientManager struct {
	protocol string
	source   ltv.Source
	closers  []func() error
}

// NewClientManager builds the LTV source for cfg.Protocol
func NewClientManager(cfg SourceConfig) (*ClientManager, error) {
	cm := &ClientManager{protocol: cfg.Protocol}

	switch cfg.Protocol {
	case core.ProtocolAnchor:
		client, err := anchor.NewClient(cfg.LCDURL, cfg.MarketContract, cfg.OverseerContract, cfg.MaxLTV)
		if err != nil {
			return nil, fmt.Errorf("failed to create Anchor client: %w", err)
		}
		cm.source = client
		log.Printf("📊 LTV source: anchor via %s (market %s, overseer %s)", cfg.LCDURL, cfg.MarketContract, cfg.OverseerContract)

	case core.ProtocolAaveV3:
		client, err := aave.NewAaveV3Client(cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Aave client for chain %s: %w", cfg.ChainID, err)
		}
		cm.source = client
		cm.closers = append(cm.closers, client.Close)
		log.Printf("📊 LTV source: aave-v3 on %s (%s)", client.GetChainName(), cfg.ChainID)

	default:
		return nil, fmt.Errorf("unsupported protocol: %s (supported: %s, %s)", cfg.Protocol, core.ProtocolAnchor, core.ProtocolAaveV3)
	}

	return cm, nil
}

// Protocol returns the protocol the source reads
func (cm *ClientManager) Protocol() string {
	return cm.protocol
}

// Source returns the protocol LTV source
func (cm *ClientManager) Source() ltv.Source {
	return cm.source
}

// Close closes all managed clients
func (cm *ClientManager) Close() {
	for _, closeFn := range cm.closers {
		if err := closeFn(); err != nil {
			log.Printf("⚠️  Failed to close %s client: %v", cm.protocol, err)
		}
	}
}
