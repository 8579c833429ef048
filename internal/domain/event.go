package domain

import "encoding/json"

// Event families raised by the business application. Payload shaping for
// each family is the caller's job.
const (
	EventInstitutionCreated = "institution.created"
	EventInstitutionUpdated = "institution.updated"
	EventQuoteCreated       = "quote.created"
	EventQuoteUpdated       = "quote.updated"
	EventQuoteAccepted      = "quote.accepted"
	EventInvoiceCreated     = "invoice.created"
	EventInvoiceUpdated     = "invoice.updated"
	EventInvoicePaid        = "invoice.paid"
	EventPaymentReceived    = "payment.received"
	EventTaskCreated        = "task.created"
	EventTaskCompleted      = "task.completed"
	EventUserCreated        = "user.created"
	EventUserUpdated        = "user.updated"
)

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	Event        string          `json:"event"`
	Timestamp    string          `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	SubscriberID string          `json:"subscriber_id"`
}

// TimestampLayout renders UTC times the way subscribers receive them.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
