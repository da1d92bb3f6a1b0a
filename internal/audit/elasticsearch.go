package audit

import (
	"context"
	"fmt"
	"time"

	"wace-auth/internal/models"
)

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// Elasticsearch indexes one document per event, using the event ID as the document ID.
type Elasticsearch struct {
	indexer DocumentIndexer
	index   string
	now     func() time.Time
}

func NewElasticsearch(indexer DocumentIndexer, index string) *Elasticsearch {
	return &Elasticsearch{indexer: indexer, index: index, now: time.Now}
}

func (e *Elasticsearch) Record(ctx context.Context, event models.SecurityEvent) error {
	event = normalize(event, e.now())
	if err := e.indexer.IndexDocument(ctx, e.index, event.ID, event); err != nil {
		return fmt.Errorf("failed to index security event: %w", err)
	}
	return nil
}
