package reqqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the change a caller asked for. It only ever exists in memory
// and, sealed, inside the queue.
type Request struct {
	SubjectID     string `json:"userId"`
	CurrentSecret string `json:"currentPassword"`
	NewSecret     string `json:"newPassword"`
}

// String never prints secrets.
func (r Request) String() string {
	return fmt.Sprintf("Request{SubjectID:%q}", r.SubjectID)
}

// GoString keeps %#v from printing secrets.
func (r Request) GoString() string {
	return r.String()
}

func (r Request) marshal() ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, err
	}
	if r.SubjectID == "" {
		return Request{}, fmt.Errorf("missing userId")
	}
	return r, nil
}

// Item is a dequeued request together with its queue bookkeeping.
type Item struct {
	ID            string
	CorrelationID string
	EnqueuedAt    time.Time
	Sealed        bool
	Request       Request
}
