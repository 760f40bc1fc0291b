package state

import ethcrypto "github.com/ethereum/go-ethereum/crypto"

var (
	settlementRecordPrefix = []byte("settlement/record/")
	settlementIndexPrefix  = []byte("settlement/index/")
	settlementSequenceKey  = ethcrypto.Keccak256([]byte("settlement/sequence"))
	settlementTimeoutKey   = ethcrypto.Keccak256([]byte("settlement/params/timeout"))

	bondSeriesPrefix    = []byte("bond/series/")
	bondSeriesListKey   = ethcrypto.Keccak256([]byte("bond/series-list"))
	bondBalancePrefix   = []byte("bond/balance/")
	bondAllowancePrefix = []byte("bond/allowance/")

	cashBalancePrefix   = []byte("cash/balance/")
	cashAllowancePrefix = []byte("cash/allowance/")

	eligiblePrefix = []byte("compliance/eligible/")

	pausePrefix = []byte("pause/")
	rolePrefix  = []byte("role:")

	genesisFlagKey = ethcrypto.Keccak256([]byte("genesis/initialized"))
)
