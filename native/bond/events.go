package bond

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"bondsettle/core/types"
	"bondsettle/crypto"
)

func newSeriesEvent(eventType string, s *Series) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		attrs["series"] = hex.EncodeToString(s.ID[:])
		attrs["symbol"] = s.Symbol
		attrs["issuer"] = crypto.NewAddress(crypto.BSNPrefix, s.Issuer[:]).String()
		attrs["status"] = s.Status.String()
		if s.Maturity > 0 {
			attrs["maturity"] = strconv.FormatInt(s.Maturity, 10)
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newMintEvent(s *Series, to [20]byte, amount *big.Int) *types.Event {
	evt := newSeriesEvent(EventTypeMinted, s)
	evt.Attributes["to"] = crypto.NewAddress(crypto.BSNPrefix, to[:]).String()
	evt.Attributes["amount"] = amount.String()
	return evt
}
