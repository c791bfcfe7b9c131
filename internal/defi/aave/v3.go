package aave

import (
	"context"
	_ "embed"
	"fmt"
	"math/big"
	"strings"

	"ltv-alert/internal/core"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

//go:embed abi/aave_pool.json
var poolABIJSON string

// ChainInfo holds chain information
type ChainInfo struct {
	ChainID   int64
	ChainName string
	RPCURL    string
}

// Supported chains mapping (RPC URLs are loaded lazily when creating clients)
var supportedChains = map[string]ChainInfo{
	"1":     {ChainID: 1, ChainName: "Ethereum Mainnet"},
	"8453":  {ChainID: 8453, ChainName: "Base"},
	"42161": {ChainID: 42161, ChainName: "Arbitrum One"},
}

// Pool proxy addresses for each chain
// Source: https://docs.aave.com/developers/deployed-contracts/v3-mainnet
var poolAddresses = map[string]common.Address{
	"1":     common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"), // Ethereum Mainnet
	"8453":  common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"), // Base
	"42161": common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"), // Arbitrum One
}

// UserAccountData holds the aggregated position of a user, values in the pool's base currency
type UserAccountData struct {
	TotalCollateralBase *big.Int
	TotalDebtBase       *big.Int
	AvailableBorrows    *big.Int
	LiquidationThresh   *big.Int // basis points
	MaxLTV              *big.Int // basis points
	HealthFactor        *big.Int // 1e18 = 1.0
}

// AaveV3Client reads user positions from the Aave v3 Pool
type AaveV3Client struct {
	chainID   string
	chainInfo ChainInfo
	client    *ethclient.Client // nil when built around a custom caller
	caller    ethereum.ContractCaller
	abi       abi.ABI
	pool      common.Address
}

// NewAaveV3Client creates a new Aave v3 client for the specified chain
func NewAaveV3Client(chainID string) (*AaveV3Client, error) {
	chainInfo, ok := supportedChains[chainID]
	if !ok {
		return nil, fmt.Errorf("unsupported chain ID: %s. Supported chains: 1 (Ethereum), 8453 (Base), 42161 (Arbitrum One)", chainID)
	}

	rpcURL := utils.GetRPCURLForChain(chainID)
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL not configured for chain %s (%s). Please set the appropriate environment variable (ETH_RPC_URL, BASE_RPC_URL, or ARB_RPC_URL)", chainID, chainInfo.ChainName)
	}
	chainInfo.RPCURL = rpcURL

	client, err := ethclient.Dial(chainInfo.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", chainInfo.ChainName, err)
	}

	c, err := newClient(chainID, chainInfo, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.client = client
	return c, nil
}

func newClient(chainID string, chainInfo ChainInfo, caller ethereum.ContractCaller) (*AaveV3Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	pool, ok := poolAddresses[chainID]
	if !ok {
		return nil, fmt.Errorf("pool address not found for chain %s", chainID)
	}

	return &AaveV3Client{
		chainID:   chainID,
		chainInfo: chainInfo,
		caller:    caller,
		abi:       parsedABI,
		pool:      pool,
	}, nil
}

// GetChainName returns the human-readable chain name
func (c *AaveV3Client) GetChainName() string {
	return c.chainInfo.ChainName
}

// Close closes the RPC connection
func (c *AaveV3Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// GetUserAccountData calls Pool.getUserAccountData for user
func (c *AaveV3Client) GetUserAccountData(ctx context.Context, user common.Address) (*UserAccountData, error) {
	input, err := c.abi.Pack("getUserAccountData", user)
	if err != nil {
		return nil, fmt.Errorf("failed to pack input: %w", err)
	}

	msg := ethereum.CallMsg{
		To:   &c.pool,
		Data: input,
	}
	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	unpacked, err := c.abi.Methods["getUserAccountData"].Outputs.UnpackValues(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack output: %w", err)
	}
	if len(unpacked) < 6 {
		return nil, fmt.Errorf("unexpected number of return values: got %d, expected 6", len(unpacked))
	}

	values := make([]*big.Int, 6)
	for i := range values {
		v, ok := unpacked[i].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("failed to extract return value %d", i)
		}
		values[i] = v
	}

	return &UserAccountData{
		TotalCollateralBase: values[0],
		TotalDebtBase:       values[1],
		AvailableBorrows:    values[2],
		LiquidationThresh:   values[3],
		MaxLTV:              values[4],
		HealthFactor:        values[5],
	}, nil
}

// CurrentLTV returns debt / collateral as a percentage. No collateral or no debt means no open position.
func (c *AaveV3Client) CurrentLTV(ctx context.Context, accountAddress string) (core.LTVReading, error) {
	if err := core.ValidateEVMAddress(accountAddress); err != nil {
		return core.LTVReading{}, err
	}

	data, err := c.GetUserAccountData(ctx, common.HexToAddress(accountAddress))
	if err != nil {
		return core.LTVReading{}, ltv.Unavailable(fmt.Errorf("aave v3 on %s: %w", c.chainInfo.ChainName, err))
	}

	if data.TotalCollateralBase.Sign() == 0 || data.TotalDebtBase.Sign() == 0 {
		return ltv.NoPosition(), nil
	}
	return ltv.Percent(bigRatDiv(data.TotalDebtBase, data.TotalCollateralBase)), nil
}

// ValidateChainID checks if a chain ID is supported
func ValidateChainID(chainID string) error {
	if _, ok := supportedChains[chainID]; !ok {
		return fmt.Errorf("unsupported chain ID: %s. Supported chains: 1 (Ethereum Mainnet), 8453 (Base), 42161 (Arbitrum One)", chainID)
	}
	return nil
}

// bigRatDiv returns a float64 approximation of (a / b)
func bigRatDiv(a, b *big.Int) float64 {
	if b.Sign() == 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(a, b)
	f, _ := r.Float64()
	return f
}
