// Package search keeps the public event catalogue in a Meilisearch index.
package search

import (
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

// EventsIndex is the Meilisearch index name for published events.
const EventsIndex = "events"

// EventDoc is the document stored per published event.
type EventDoc struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartsAt    int64  `json:"starts_at"`
	CFPClosesAt int64  `json:"cfp_closes_at"`
	CFPOpen     bool   `json:"cfp_open"`
}

// EventIndexer adds and removes published events.
type EventIndexer interface {
	IndexEvent(doc EventDoc) error
	DeleteEvent(id string) error
}

// Meili indexes events in Meilisearch.
type Meili struct {
	client meilisearch.ServiceManager
	logger *zap.Logger
}

// NewMeili connects to host and configures the events index.
func NewMeili(host, apiKey string, logger *zap.Logger) *Meili {
	client := meilisearch.New(host, meilisearch.WithAPIKey(apiKey))
	m := &Meili{client: client, logger: logger}
	m.initIndex()
	return m
}

func (m *Meili) initIndex() {
	filterable := []any{"cfp_open", "location"}
	if _, err := m.client.Index(EventsIndex).UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update events filterable attributes", zap.Error(err))
	}
	sortable := []string{"starts_at", "cfp_closes_at"}
	if _, err := m.client.Index(EventsIndex).UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update events sortable attributes", zap.Error(err))
	}
}

func (m *Meili) IndexEvent(doc EventDoc) error {
	pk := "id"
	task, err := m.client.Index(EventsIndex).AddDocuments([]EventDoc{doc}, &pk)
	if err != nil {
		return err
	}
	m.logger.Debug("event indexed", zap.String("event_id", doc.ID), zap.Int64("task_uid", task.TaskUID))
	return nil
}

func (m *Meili) DeleteEvent(id string) error {
	_, err := m.client.Index(EventsIndex).DeleteDocument(id)
	return err
}

// Noop is used when MEILISEARCH_HOST is not set.
type Noop struct{}

func (Noop) IndexEvent(EventDoc) error { return nil }
func (Noop) DeleteEvent(string) error  { return nil }

// Unix returns t as unix seconds, or 0 for nil.
func Unix(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
