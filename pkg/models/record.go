package models

import (
	"encoding/json"
	"time"
)

type RecordSource string

const (
	SourcePoll RecordSource = "poll"
	SourcePush RecordSource = "push"
)

// InputRecord is one ingested unit of work. RecordID is the sole
// deduplication key across the whole pipeline; the record is never
// mutated after creation.
type InputRecord struct {
	RecordID   string          `json:"record_id"`
	Source     RecordSource    `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// OutputPayload is the downstream-ready representation produced from
// exactly one InputRecord.
type OutputPayload struct {
	RecordID   string      `json:"record_id"`
	ProducedAt time.Time   `json:"produced_at"`
	Body       PayloadBody `json:"payload_body"`
}

// PayloadBody is the shape the persistence API accepts per item.
type PayloadBody struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	Sender           string `json:"sender"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
	RawMessage       string `json:"raw_message"`
}

// RecordPayload is the InputRecord body: the source message metadata
// plus its fetched raw content.
type RecordPayload struct {
	Message SourceMessage `json:"message"`
	Raw     string        `json:"raw"`
}

// SourceMessage is the provider's wire shape for one mail record.
type SourceMessage struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	From             Recipient `json:"from"`
	ReceivedDateTime string    `json:"receivedDateTime"`
	HasAttachments   bool      `json:"hasAttachments"`
	IsRead           bool      `json:"isRead"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// DeadLetterEvent is published to the optional DLQ topic whenever an
// item lands in a dead-letter list.
type DeadLetterEvent struct {
	RecordID string    `json:"record_id"`
	Queue    string    `json:"queue"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// ItemResult is the optional per-item status in a batch submit response.
type ItemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SubmitResult is the downstream response for one batch submission.
// Results may be empty when the API reports per-batch status only.
type SubmitResult struct {
	Accepted int          `json:"accepted"`
	Results  []ItemResult `json:"results,omitempty"`
}

func (r ItemResult) Failed() bool {
	return r.Status != "" && r.Status != "ok" && r.Status != "accepted"
}
