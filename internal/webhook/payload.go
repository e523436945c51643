package webhook

import (
	"encoding/json"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
)

// sessionPayload is the wire shape of a Session embedded in a webhook body;
// amounts are decimal strings to avoid 64-bit precision loss in JSON.
// SubscriptionToken is deliberately omitted: it authenticates the widget,
// not the merchant.
type sessionPayload struct {
	ID string `json:"id"`
	MerchantID string `json:"merchantId"`
	Address string `json:"address"`
	AddressIndex int64 `json:"addressIndex"`
	AmountSompi string `json:"amountSompi"`
	Status domain.SessionStatus `json:"status"`
	TxID string `json:"txId,omitempty"`
	Confirmations int `json:"confirmations"`
	OrderID string `json:"orderId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	PaidAt *time.Time `json:"paidAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

func newSessionPayload(s *domain.Session) sessionPayload {
	return sessionPayload{
		ID: s.ID.String(),
		MerchantID: s.MerchantID.String(),
		Address: s.Address,
		AddressIndex: s.AddressIndex,
		AmountSompi: s.AmountSompi.String(),
		Status: s.Status,
		TxID: s.TxID,
		Confirmations: s.Confirmations,
		OrderID: s.OrderID,
		Metadata: s.Metadata,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		PaidAt: s.PaidAt,
		ConfirmedAt: s.ConfirmedAt,
	}
}

// envelope is the body shape: event name, idempotency key, send
// timestamp and the session snapshot. Timestamp is intentionally re-stamped
// on every delivery attempt (restamp), so it is marshaled here only to
// give the stored template a stable shape; callers must not rely on the
// enqueue-time value surviving to the wire.
type envelope struct {
	Event domain.WebhookEvent `json:"event"`
	DeliveryID string `json:"deliveryId"`
	Timestamp string `json:"timestamp"`
	Session sessionPayload `json:"session"`
}

// buildTemplate marshals the enqueue-time envelope stored as WebhookLog.Payload.
func buildTemplate(event domain.WebhookEvent, deliveryID string, sess *domain.Session, at time.Time) ([]byte, error) {
	env := envelope{
		Event: event,
		DeliveryID: deliveryID,
		Timestamp: at.UTC().Format(time.RFC3339),
		Session: newSessionPayload(sess),
	}
	return json.Marshal(env)
}

// restamp decodes a stored template and rewrites its timestamp field to now,
// so every delivery attempt signs and sends its own send time for the
// merchant's skew check, while the rest of the body is stable across retries.
func restamp(template []byte, now time.Time) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(template, &raw); err != nil {
		return nil, err
	}
	stamped, err := json.Marshal(now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	raw["timestamp"] = stamped
	return json.Marshal(raw)
}

