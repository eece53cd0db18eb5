package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABIs: only the methods and events the engine touches.

const accountABIJSON = `[
	{
		"name": "depositWithPermit",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "token",    "type": "address"},
			{"name": "amount",   "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v",        "type": "uint8"},
			{"name": "r",        "type": "bytes32"},
			{"name": "s",        "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"name": "repayPartial",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "token",  "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "withdraw",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "token",  "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "fullClosePosition",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "collateralAsset", "type": "address"},
			{"name": "debtAsset",       "type": "address"}
		],
		"outputs": []
	},
	{
		"name": "getStatus",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "coll", "type": "uint256"},
			{"name": "debt", "type": "uint256"},
			{"name": "ltv",  "type": "uint256"}
		]
	},
	{
		"name": "setRSCCaller",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "_rscCaller", "type": "address"}],
		"outputs": []
	},
	{
		"name": "rscCaller",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"name": "Deposited",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "user",       "type": "address", "indexed": true},
			{"name": "amount",     "type": "uint256", "indexed": false},
			{"name": "currentLTV", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "LoopStepExecuted",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "borrowed",      "type": "uint256", "indexed": false},
			{"name": "newCollateral", "type": "uint256", "indexed": false},
			{"name": "currentLTV",    "type": "uint256", "indexed": false},
			{"name": "iterationId",   "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "PositionClosed",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "debtRepaid",         "type": "uint256", "indexed": false},
			{"name": "collateralReturned", "type": "uint256", "indexed": false}
		]
	}
]`

const tokenABIJSON = `[
	{
		"name": "name",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	},
	{
		"name": "decimals",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "nonces",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "_owner", "type": "address"}],
		"outputs": [{"name": "balance", "type": "uint256"}]
	},
	{
		"name": "allowance",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "_owner",   "type": "address"},
			{"name": "_spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "approve",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "_spender", "type": "address"},
			{"name": "_value",   "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

// The automation caller lives on the automation chain; resume() restores
// its event subscriptions after a pause.
const callerABIJSON = `[
	{
		"name": "resume",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	}
]`

var (
	AccountABI = mustParseABI(accountABIJSON)
	TokenABI   = mustParseABI(tokenABIJSON)
	CallerABI  = mustParseABI(callerABIJSON)
)

// Event topic ids of the automation account.
var (
	DepositedTopic        = AccountABI.Events["Deposited"].ID
	LoopStepExecutedTopic = AccountABI.Events["LoopStepExecuted"].ID
	PositionClosedTopic   = AccountABI.Events["PositionClosed"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}
