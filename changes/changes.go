// Package changes models the change notifications delivered by the measurement store and the filter
// that selects creation events.
package changes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/backtrack/attribute"
)

// EventKind is the type of change a notification describes.
type EventKind int

// Event kinds. KindUnknown covers absent and unrecognised names.
const (
	KindUnknown EventKind = iota
	KindCreated
	KindModified
	KindRemoved
)

// String returns the stream name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "INSERT"
	case KindModified:
		return "MODIFY"
	case KindRemoved:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ParseEventKind accepts both stream names (INSERT, MODIFY, REMOVE) and descriptive names
// (created, modified, removed), case-insensitively. Anything else is KindUnknown.
func ParseEventKind(name string) EventKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "insert", "created", "create":
		return KindCreated
	case "modify", "modified", "update", "updated":
		return KindModified
	case "remove", "removed", "delete", "deleted":
		return KindRemoved
	default:
		return KindUnknown
	}
}

// Notification is one change to a measurement record. DecodeErr is set when the record's images
// could not be read; the kind and event id are kept when they were readable.
type Notification struct {
	EventID   string
	Kind      EventKind
	NewImage  attribute.Map
	OldImage  attribute.Map
	DecodeErr error
}

// IsCreation reports whether the notification describes a newly created record.
func IsCreation(n Notification) bool {
	return n.Kind == KindCreated
}

// Batch is the unit of delivery: an ordered set of notifications processed independently.
type Batch struct {
	Records []Notification
}

// Creations returns the creation notifications of the batch in order.
func (b Batch) Creations() []Notification {
	out := make([]Notification, 0, len(b.Records))
	for _, n := range b.Records {
		if IsCreation(n) {
			out = append(out, n)
		}
	}
	return out
}

type wireRecord struct {
	EventID   string     `json:"eventID"`
	EventName string     `json:"eventName"`
	Dynamodb  wireImages `json:"dynamodb"`
}

type wireImages struct {
	NewImage attribute.Map `json:"NewImage,omitempty"`
	OldImage attribute.Map `json:"OldImage,omitempty"`
}

type wireBatch struct {
	Records []wireRecord `json:"Records"`
}

// MarshalJSON writes the stream event envelope.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		EventID:   n.EventID,
		EventName: n.Kind.String(),
		Dynamodb:  wireImages{NewImage: n.NewImage, OldImage: n.OldImage},
	})
}

// UnmarshalJSON reads the stream event envelope. Unknown event names decode to KindUnknown.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*n = Notification{
		EventID:  w.EventID,
		Kind:     ParseEventKind(w.EventName),
		NewImage: w.Dynamodb.NewImage,
		OldImage: w.Dynamodb.OldImage,
	}
	return nil
}

// MarshalJSON writes {"Records": [...]}.
func (b Batch) MarshalJSON() ([]byte, error) {
	records := make([]wireRecord, len(b.Records))
	for i, n := range b.Records {
		records[i] = wireRecord{
			EventID:   n.EventID,
			EventName: n.Kind.String(),
			Dynamodb:  wireImages{NewImage: n.NewImage, OldImage: n.OldImage},
		}
	}
	return json.Marshal(wireBatch{Records: records})
}

// UnmarshalJSON reads {"Records": [...]}. Records are decoded one by one: a malformed record
// becomes a notification carrying DecodeErr instead of failing the envelope.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var w struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Records = make([]Notification, len(w.Records))
	for i, raw := range w.Records {
		b.Records[i] = decodeRecord(raw)
	}
	return nil
}

func decodeRecord(raw json.RawMessage) Notification {
	var n Notification
	err := json.Unmarshal(raw, &n)
	if err == nil {
		return n
	}

	var head struct {
		EventID   string `json:"eventID"`
		EventName string `json:"eventName"`
	}
	_ = json.Unmarshal(raw, &head)
	return Notification{
		EventID:   head.EventID,
		Kind:      ParseEventKind(head.EventName),
		DecodeErr: fmt.Errorf("record %q: %w", head.EventID, err),
	}
}

// DecodeBatch parses a JSON batch envelope. It fails only when the envelope itself is not valid;
// per-record failures are reported through Notification.DecodeErr.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(data, &b)
	return b, err
}
