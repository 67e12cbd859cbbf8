package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chartstream/internal/domain"
	"chartstream/internal/egress"
)

const (
	ProducerName    = "chartstreamd"
	ProducerVersion = "1.0.0"
	SchemaVersion   = "1"
)

// messageNamespace is the UUIDv5 namespace for message ids, so an
// identical snapshot always yields the identical message id.
var messageNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ValidationError signals malformed data reaching the builder. Always
// a bug signal upstream, never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid chart snapshot: %s", e.Field)
}

type payload struct {
	MessageID string               `json:"message_id"`
	Chart     domain.ChartSnapshot `json:"chart"`
	Producer  producerInfo         `json:"producer"`
}

type producerInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
}

// Build maps a snapshot into a broker message. Pure and deterministic:
// identical input yields byte-identical key and payload.
func Build(snap domain.ChartSnapshot) (egress.Message, error) {
	if snap.Region == "" {
		return egress.Message{}, &ValidationError{Field: "region is empty"}
	}
	if len(snap.Tracks) == 0 {
		return egress.Message{}, &ValidationError{Field: "no tracks"}
	}
	if snap.FetchedAtUTC.IsZero() {
		return egress.Message{}, &ValidationError{Field: "fetch timestamp is zero"}
	}

	key := fmt.Sprintf("%s:%s", snap.Region, snap.FetchedAtUTC.UTC().Format(time.RFC3339))
	body, err := json.Marshal(payload{
		MessageID: uuid.NewSHA1(messageNamespace, []byte(key)).String(),
		Chart:     snap,
		Producer: producerInfo{
			Name:          ProducerName,
			Version:       ProducerVersion,
			SchemaVersion: SchemaVersion,
		},
	})
	if err != nil {
		return egress.Message{}, &ValidationError{Field: err.Error()}
	}

	return egress.Message{
		Key:   key,
		Value: body,
		Headers: []egress.Header{
			{Key: "schema-version", Value: []byte(SchemaVersion)},
			{Key: "source", Value: []byte(ProducerName)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}
