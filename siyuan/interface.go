package siyuan

import "context"

// Store is the remote operation set the gateway needs. Client implements
// it; tests may substitute their own.
type Store interface {
	// ListNotebooks lists every notebook.
	ListNotebooks(ctx context.Context) ([]Notebook, error)

	// GetIDsByHPath maps a human-readable path, scoped to a notebook, to
	// document IDs.
	GetIDsByHPath(ctx context.Context, notebookID, hpath string) ([]string, error)

	// ListDocsByPath lists the children at a resolved storage path.
	ListDocsByPath(ctx context.Context, notebookID, path string) ([]DocEntry, error)

	// GetContent returns a document's markdown.
	GetContent(ctx context.Context, id string) (string, error)

	// UpdateContent replaces a document's markdown.
	UpdateContent(ctx context.Context, id, markdown string) error

	// RemoveDoc deletes a document.
	RemoveDoc(ctx context.Context, id string) error
}

// Verify that Client implements Store at compile time.
var _ Store = (*Client)(nil)
