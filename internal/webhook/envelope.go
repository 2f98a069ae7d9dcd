package webhook

import (
	"encoding/json"
	"strings"
)

// Handled provider event types. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

// Envelope is the outer provider event wrapper. Data.Object stays raw until
// the router knows which typed object to decode it into.
type Envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEnvelope decodes the outer event wrapper. It runs only after signature
// verification, so a failure here is a malformed-but-authentic payload.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, ErrInvalidPayload
	}
	if len(env.Data.Object) == 0 {
		return nil, ErrInvalidPayload
	}
	return &env, nil
}

// CheckoutSession is the object carried by checkout.session.completed.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Subscription is the object carried by customer.subscription.* events.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Items              SubscriptionItems `json:"items"`
	Metadata           map[string]string `json:"metadata"`
}

type SubscriptionItems struct {
	Data []SubscriptionItem `json:"data"`
}

type SubscriptionItem struct {
	Price SubscriptionPrice `json:"price"`
}

type SubscriptionPrice struct {
	ID string `json:"id"`
}

// PriceID returns the price of the first subscription item.
func (s *Subscription) PriceID() string {
	if s == nil || len(s.Items.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Items.Data[0].Price.ID)
}

// UserID returns the correlation user id threaded through provider metadata.
func (s *Subscription) UserID() string {
	if s == nil {
		return ""
	}
	return metadataValue(s.Metadata, "user_id")
}

// Invoice is the object carried by invoice.payment_* events.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AttemptCount int    `json:"attempt_count"`
	Paid         bool   `json:"paid"`
}

// DecodeCheckoutSession decodes data.object for a checkout completion event.
func DecodeCheckoutSession(env *Envelope) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(env.Data.Object, &session); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, ErrInvalidEvent
	}
	return &session, nil
}

// DecodeSubscription decodes data.object for a subscription lifecycle event.
func DecodeSubscription(env *Envelope) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, ErrInvalidEvent
	}
	return &sub, nil
}

// DecodeInvoice decodes data.object for an invoice payment event.
func DecodeInvoice(env *Envelope) (*Invoice, error) {
	var invoice Invoice
	if err := json.Unmarshal(env.Data.Object, &invoice); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, ErrInvalidEvent
	}
	return &invoice, nil
}

// UserID returns the correlation user id for a checkout session, preferring
// explicit metadata over client_reference_id.
func (s *CheckoutSession) UserID() string {
	if s == nil {
		return ""
	}
	if id := metadataValue(s.Metadata, "user_id"); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

func metadataValue(metadata map[string]string, key string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata[key])
}
