package process

import (
	"encoding/json"
	"fmt"
	"time"

	"mailpipe/pkg/models"
)

// decodeRecord unpacks the queued wire form back into the input record
// and its carried source payload.
func decodeRecord(payload json.RawMessage) (*models.InputRecord, *models.RecordPayload, error) {
	var record models.InputRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, nil, fmt.Errorf("decode input record: %w", err)
	}
	if record.RecordID == "" {
		return nil, nil, fmt.Errorf("input record has no id")
	}

	var body models.RecordPayload
	if err := json.Unmarshal(record.RawPayload, &body); err != nil {
		return nil, nil, fmt.Errorf("decode record payload: %w", err)
	}
	if body.Message.ID == "" {
		return nil, nil, fmt.Errorf("record payload has no message id")
	}

	return &record, &body, nil
}

// transform produces the downstream payload for one record. Pure: any
// failure here is permanent for the record.
func transform(record *models.InputRecord, body *models.RecordPayload) (*models.OutputPayload, error) {
	msg := body.Message
	if msg.ID != record.RecordID {
		return nil, fmt.Errorf("payload message id %q does not match record id %q", msg.ID, record.RecordID)
	}

	return &models.OutputPayload{
		RecordID:   record.RecordID,
		ProducedAt: time.Now().UTC(),
		Body: models.PayloadBody{
			ID:               msg.ID,
			Subject:          msg.Subject,
			Sender:           msg.From.EmailAddress.Address,
			ReceivedDateTime: msg.ReceivedDateTime,
			HasAttachments:   msg.HasAttachments,
			RawMessage:       body.Raw,
		},
	}, nil
}
