// Package event implements the event source adapter (C1): it turns a raw
// queue-message body into zero or more normalized SyncEvents.
package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onezonemirror/mirror/internal/errkind"
)

// Kind is the normalized event kind.
type Kind string

const (
	Create Kind = "CREATE"
	Delete Kind = "DELETE"
)

// SyncEvent is one normalized record extracted from a queue message.
type SyncEvent struct {
	Kind       Kind
	Key        string
	SizeHint   *int64
	ETagHint   string
	ReceivedAt time.Time
	Receipt    string
	Attempts   int
	// CorrelationID ties every SyncEvent produced from the same message
	// to the same log lines, even though a message may fan out into many.
	CorrelationID string
}

// envelope mirrors the bit-exact shape the event source emits.
type envelope struct {
	Records []record `json:"Records"`
}

type record struct {
	EventName string   `json:"eventName"`
	S3        s3Record `json:"s3"`
}

type s3Record struct {
	Bucket bucketRecord `json:"bucket"`
	Object objectRecord `json:"object"`
}

type bucketRecord struct {
	Name string `json:"name"`
}

type objectRecord struct {
	Key  string `json:"key"`
	Size *int64 `json:"size,omitempty"`
	ETag string `json:"eTag,omitempty"`
}

// Parse decodes a raw message body into zero or more SyncEvents, per
// §4.1's output rules. Receipt and attempts are supplied by the queue
// client, not the body, since they are properties of the message, not the
// event.
func Parse(body string, receipt string, attempts int, sourceBucket string, receivedAt time.Time) ([]SyncEvent, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, errkind.New(errkind.MalformedEvent, err)
	}

	correlationID := uuid.NewString()

	events := make([]SyncEvent, 0, len(env.Records))
	for _, r := range env.Records {
		kind, ok := classify(r.EventName)
		if !ok {
			continue
		}

		if r.S3.Bucket.Name != sourceBucket {
			return nil, errkind.New(errkind.ConfigMismatch, fmt.Errorf(
				"event bucket %q does not match configured source bucket %q",
				r.S3.Bucket.Name, sourceBucket))
		}

		key, err := decodeKey(r.S3.Object.Key)
		if err != nil {
			return nil, errkind.New(errkind.MalformedEvent, err)
		}

		events = append(events, SyncEvent{
			Kind:          kind,
			Key:           key,
			SizeHint:      r.S3.Object.Size,
			ETagHint:      r.S3.Object.ETag,
			ReceivedAt:    receivedAt,
			Receipt:       receipt,
			Attempts:      attempts,
			CorrelationID: correlationID,
		})
	}

	return events, nil
}

func classify(eventName string) (Kind, bool) {
	switch {
	case strings.HasPrefix(eventName, "ObjectCreated"):
		return Create, true
	case strings.HasPrefix(eventName, "ObjectRemoved"):
		// Any ObjectRemoved variant, including DeleteMarkerCreated, is
		// treated as a target-side delete. This is stricter than
		// versioned-source semantics but keeps the mirror's delete
		// behavior unambiguous; see the open question in the design
		// notes.
		return Delete, true
	default:
		return "", false
	}
}

// decodeKey URL-decodes a key the way the source store encodes it in event
// notifications: '+' means space, matching url.QueryUnescape rather than
// url.PathUnescape.
func decodeKey(key string) (string, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return "", fmt.Errorf("failed to decode key %q: %w", key, err)
	}
	return decoded, nil
}

// MatchesPrefix reports whether key should be processed given a
// (possibly empty) prefix filter.
func MatchesPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
