package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
)

// DefaultObjectID is the blob name of the ledger when none is configured.
const DefaultObjectID = "lists_users_DMed/all_users_DMed.csv"

// Repository loads and persists a ledger as one CSV object in a blob store.
type Repository struct {
	blobs    store.BlobStore
	objectID string
	// sourceID is read when objectID does not exist yet, so a ledger can be
	// carried forward under a new name.
	sourceID string
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSourceObject reads the ledger from objectID on Load when the primary
// object is absent.
func WithSourceObject(objectID string) RepositoryOption {
	return func(r *Repository) { r.sourceID = objectID }
}

// NewRepository creates a repository for the ledger stored at objectID.
func NewRepository(blobs store.BlobStore, objectID string, opts ...RepositoryOption) *Repository {
	if objectID == "" {
		objectID = DefaultObjectID
	}
	r := &Repository{blobs: blobs, objectID: objectID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ObjectID returns the blob name the ledger is saved under.
func (r *Repository) ObjectID() string {
	return r.objectID
}

// Load fetches and decodes the ledger. A missing object is the first-run case
// and yields an empty ledger.
func (r *Repository) Load(ctx context.Context) (*Ledger, error) {
	ids := []string{r.objectID}
	if r.sourceID != "" && r.sourceID != r.objectID {
		ids = append(ids, r.sourceID)
	}

	for _, id := range ids {
		data, err := r.blobs.Fetch(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("Repository.Load: ledger object not found", "object_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch ledger %s: %w", id, err)
		}
		entries, err := tabular.DecodeLedger(data)
		if err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", id, err)
		}
		l, err := FromEntries(entries)
		if err != nil {
			return nil, fmt.Errorf("load ledger %s: %w", id, err)
		}
		slog.Info("Repository.Load: ledger loaded", "object_id", id, "users", l.Len())
		return l, nil
	}

	slog.Info("Repository.Load: no ledger found, starting empty", "object_id", r.objectID)
	return New(), nil
}

// Save writes the full ledger snapshot.
func (r *Repository) Save(ctx context.Context, l *Ledger) error {
	data, err := tabular.EncodeLedger(l.Snapshot())
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := r.blobs.Store(ctx, r.objectID, data); err != nil {
		return fmt.Errorf("store ledger %s: %w", r.objectID, err)
	}
	slog.Debug("Repository.Save: ledger persisted", "object_id", r.objectID, "users", l.Len())
	return nil
}
