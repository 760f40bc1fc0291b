package settlement

import (
	"encoding/hex"
	"strconv"
	"strings"

	"bondsettle/core/types"
	"bondsettle/crypto"
)

const (
	EventTypeCreated           = "settlement.created"
	EventTypeDeliveryDeposited = "settlement.delivery_deposited"
	EventTypePaymentDeposited  = "settlement.payment_deposited"
	EventTypeExecuted          = "settlement.executed"
	EventTypeCancelled         = "settlement.cancelled"
	EventTypeExpired           = "settlement.expired"
	EventTypeTimeoutUpdated    = "settlement.timeout_updated"
	EventTypePaused            = "settlement.paused"
	EventTypeResumed           = "settlement.resumed"
)

// NewCreatedEvent returns the canonical payload for a newly registered
// settlement.
func NewCreatedEvent(s *Settlement) *types.Event {
	return newSettlementEvent(EventTypeCreated, s, nil)
}

// NewDeliveryDepositedEvent is emitted when the seller's bond position
// reaches the vault.
func NewDeliveryDepositedEvent(s *Settlement) *types.Event {
	return newSettlementEvent(EventTypeDeliveryDeposited, s, nil)
}

// NewPaymentDepositedEvent is emitted when the buyer's payment reaches the
// vault.
func NewPaymentDepositedEvent(s *Settlement) *types.Event {
	return newSettlementEvent(EventTypePaymentDeposited, s, nil)
}

// NewExecutedEvent is emitted after both legs have been delivered to their
// counterparties.
func NewExecutedEvent(s *Settlement) *types.Event {
	return newSettlementEvent(EventTypeExecuted, s, nil)
}

// NewCancelledEvent is emitted when a party or the regulator cancels the
// settlement. The reason is carried verbatim.
func NewCancelledEvent(s *Settlement, caller [20]byte, reason string) *types.Event {
	extra := map[string]string{"caller": accountString(caller)}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		extra["reason"] = trimmed
	}
	return newSettlementEvent(EventTypeCancelled, s, extra)
}

// NewExpiredEvent is emitted when an expired settlement is unwound. It is
// distinct from the cancelled event so monitors can tell a deliberate
// cancellation from a timeout.
func NewExpiredEvent(s *Settlement, caller [20]byte) *types.Event {
	return newSettlementEvent(EventTypeExpired, s, map[string]string{"caller": accountString(caller)})
}

// NewTimeoutUpdatedEvent records a regulator change of the settlement
// window applied to future settlements.
func NewTimeoutUpdatedEvent(caller [20]byte, seconds int64) *types.Event {
	return &types.Event{
		Type: EventTypeTimeoutUpdated,
		Attributes: map[string]string{
			"caller":  accountString(caller),
			"timeout": strconv.FormatInt(seconds, 10),
		},
	}
}

// NewPausedEvent records a regulator pause of the module.
func NewPausedEvent(caller [20]byte) *types.Event {
	return &types.Event{
		Type:       EventTypePaused,
		Attributes: map[string]string{"caller": accountString(caller)},
	}
}

// NewResumedEvent records a regulator resume of the module.
func NewResumedEvent(caller [20]byte) *types.Event {
	return &types.Event{
		Type:       EventTypeResumed,
		Attributes: map[string]string{"caller": accountString(caller)},
	}
}

func newSettlementEvent(eventType string, s *Settlement, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(s)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["seller"] = accountString(sanitized.Seller)
	attrs["buyer"] = accountString(sanitized.Buyer)
	attrs["bond"] = hex.EncodeToString(sanitized.Bond[:])
	attrs["bondAmount"] = sanitized.BondAmount.String()
	attrs["paymentAmount"] = sanitized.PaymentAmount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["expiresAt"] = strconv.FormatInt(sanitized.ExpiresAt, 10)
	if sanitized.ExecutedAt > 0 {
		attrs["executedAt"] = strconv.FormatInt(sanitized.ExecutedAt, 10)
	}
	attrs["bondDeposited"] = strconv.FormatBool(sanitized.BondDeposited)
	attrs["paymentDeposited"] = strconv.FormatBool(sanitized.PaymentDeposited)
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func accountString(addr [20]byte) string {
	return crypto.NewAddress(crypto.BSNPrefix, addr[:]).String()
}
