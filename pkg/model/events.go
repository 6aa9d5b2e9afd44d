package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventCatalogPublished = "catalog.published"
	EventCatalogPurged    = "catalog.purged"
)

// CatalogEvent is emitted whenever a snapshot is published or purged.
type CatalogEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	Type      string         `json:"type"`
	BuildID   string         `json:"build_id,omitempty"`
	BuildDate string         `json:"build_date,omitempty"`
	Rows      int            `json:"rows"`
	Segments  map[string]int `json:"segments,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
