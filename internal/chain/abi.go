package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	factoryABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"vaults","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"string[]","name":"tokenNames","type":"string[]"},{"internalType":"uint256[]","name":"percentages","type":"uint256[]"},{"internalType":"string","name":"name","type":"string"},{"internalType":"string","name":"symbol","type":"string"}],"name":"createVault","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"}
]`

	vaultABIJSON = `[
{"inputs":[],"name":"getTokens","outputs":[{"internalType":"address[]","name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getAllocations","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"holdings","outputs":[{"internalType":"uint256","name":"baseBal","type":"uint256"},{"internalType":"uint256[]","name":"tokenBals","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"isRebalancer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint24[]","name":"poolFees","type":"uint24[]"},{"internalType":"uint256[]","name":"minOuts","type":"uint256[]"}],"name":"deposit","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"},{"internalType":"uint24[]","name":"poolFees","type":"uint24[]"},{"internalType":"uint256[]","name":"minOuts","type":"uint256[]"}],"name":"withdrawUSDC","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"string[]","name":"newTokenNames","type":"string[]"},{"internalType":"uint256[]","name":"newPercentages","type":"uint256[]"},{"internalType":"uint24[]","name":"feesToBase","type":"uint24[]"},{"internalType":"uint256[]","name":"minOutsToBase","type":"uint256[]"},{"internalType":"uint24[]","name":"feesFromBase","type":"uint24[]"},{"internalType":"uint256[]","name":"minOutsFromBase","type":"uint256[]"}],"name":"rebalance","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

	erc20ABIJSON = `[
{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

	feedABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
)

var (
	// FactoryABI covers the vault factory enumeration and creation entry points.
	FactoryABI abi.ABI
	// VaultABI covers the vault read surface and its write entry points.
	VaultABI abi.ABI
	// ERC20ABI is the subset of ERC-20 used for metadata, balances and approvals.
	ERC20ABI abi.ABI
	// FeedABI is the aggregator price feed interface.
	FeedABI abi.ABI
)

func init() {
	FactoryABI = mustParse("factory", factoryABIJSON)
	VaultABI = mustParse("vault", vaultABIJSON)
	ERC20ABI = mustParse("erc20", erc20ABIJSON)
	FeedABI = mustParse("price feed", feedABIJSON)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// KnownABIs lists every ABI the client speaks, in lookup order.
func KnownABIs() []*abi.ABI {
	return []*abi.ABI{&FactoryABI, &VaultABI, &ERC20ABI, &FeedABI}
}
