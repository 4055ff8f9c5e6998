// Package docstore archives invoice documents in content-addressed object
// storage. Archiving is best effort: an upload failure never blocks invoice
// creation or settlement.
package docstore

import "context"

// Document is the stored artifact reference: the content identifier and the
// public URL it resolves to.
type Document struct {
	ContentID string
	URL       string
}

// ObjectStore is the storage boundary for invoice documents.
type ObjectStore interface {
	// Put uploads the named payload and returns its content reference.
	Put(ctx context.Context, name string, payload []byte, metadata map[string]string) (*Document, error)

	// Get fetches the payload behind a content identifier.
	Get(ctx context.Context, contentID string) ([]byte, error)
}
