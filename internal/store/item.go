package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned when an enqueue would exceed the bound.
	ErrQueueFull = errors.New("queue full")
	// ErrEmpty is returned when a blocking dequeue times out.
	ErrEmpty = errors.New("queue empty")
	// ErrDuplicate is returned when the record id is already pending.
	ErrDuplicate = errors.New("record already pending")
)

// Item is one queued unit. The exact marshaled value is kept alongside
// because processing-list and lease entries are addressed by value.
type Item struct {
	ID         string          `json:"id"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`

	raw string
}

func NewItem(id string, payload interface{}) (*Item, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Item{
		ID:         id,
		EnqueuedAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// Raw returns the stored wire form of the item, set on enqueue/dequeue.
func (i *Item) Raw() string {
	return i.raw
}

func (i *Item) marshal() (string, error) {
	body, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	i.raw = string(body)
	return i.raw, nil
}

func unmarshalItem(raw string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, err
	}
	item.raw = raw
	return &item, nil
}

// DeadLetter wraps an item held for inspection or replay.
type DeadLetter struct {
	Item     *Item     `json:"item"`
	Queue    string    `json:"queue"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
