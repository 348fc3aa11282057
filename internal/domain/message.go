package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the queue envelope. Duplicate envelopes for the same
// fingerprint are expected; the executor absorbs them.
type Message struct {
	ID          string          `json:"id"`
	Domain      string          `json:"domain"`
	Job         string          `json:"job"`
	TenantID    int64           `json:"tenant_id"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func (m *Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}
	return string(b), nil
}

func DecodeMessage(s string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return &m, nil
}

// RenewalPayload is the argument set for the subscription renewal job.
type RenewalPayload struct {
	SubscriptionID string `json:"subscription_id"`
	BillingPeriod  string `json:"billing_period"`
}

func (p RenewalPayload) Encode() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

func DecodeRenewalPayload(raw json.RawMessage) (RenewalPayload, error) {
	var p RenewalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(err, "decode renewal payload")
	}
	if p.SubscriptionID == "" || p.BillingPeriod == "" {
		return p, Validationf("renewal payload missing subscription_id or billing_period")
	}
	return p, nil
}

// DeadLetter wraps a message that exhausted its retry budget or was
// rejected outright, for manual inspection.
type DeadLetter struct {
	Message  *Message  `json:"message"`
	Reason   string    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

const (
	DLQReasonMaxRetries         = "max_retries_exceeded"
	DLQReasonTTLExpired         = "ttl_expired"
	DLQReasonInvalidMessage     = "invalid_message"
	DLQReasonIsolationViolation = "isolation_violation"
)

func (d *DeadLetter) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "encode dead letter")
	}
	return string(b), nil
}

func DecodeDeadLetter(s string) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, errors.Wrap(err, "decode dead letter")
	}
	return &d, nil
}
