package domain

import (
	"time"

	"github.com/google/uuid"
)

var documentNamespace = uuid.MustParse("6f1d2c8e-4c55-4f0e-9a57-2f7c3b0c9e11")

// Document is the search index projection of a single event. Several
// documents share an EntityID, one per lifecycle event.
type Document struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"experimentId"`
	Kind       Kind      `json:"eventType"`
	OccurredAt time.Time `json:"timestamp"`
	Attributes
	// Reconciled is only set on tombstones: the counter deltas applied when
	// the completed documents were removed.
	Reconciled []Delta `json:"reconciled,omitempty"`
}

// DocumentID derives the document id from the event id, so writing the same
// event twice overwrites instead of duplicating.
func DocumentID(eventID string) string {
	return uuid.NewSHA1(documentNamespace, []byte(eventID)).String()
}

// TombstoneID is the id of the single Deleted document of an entity.
func TombstoneID(entityID string) string {
	return uuid.NewSHA1(documentNamespace, []byte("tombstone/"+entityID)).String()
}

// NewDocument projects ev into an index document.
func NewDocument(ev Event) Document {
	return Document{
		ID:         DocumentID(ev.EventID),
		EntityID:   ev.EntityID,
		Kind:       ev.Kind,
		OccurredAt: ev.OccurredAt.UTC(),
		Attributes: ev.Attributes,
	}
}

// Tombstone reports whether d marks a deleted experiment.
func (d Document) Tombstone() bool { return d.Kind == Deleted }
