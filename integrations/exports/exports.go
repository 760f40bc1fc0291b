package exports

import (
	"encoding/hex"
	"math/big"
	"time"

	"bondsettle/crypto"
)

func bechAddress(addr [20]byte) string {
	return crypto.AddressFromBytes(addr).String()
}

func hexSeries(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func timeString(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
