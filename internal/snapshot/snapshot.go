// Package snapshot exports the partitioning catalog to object storage and
// restores it from there.
//
// A snapshot object is a 5-byte header ("PMSN" and a format version) followed
// by the Snappy-compressed JSON of the catalog dump.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/storage"
)

const (
	// Prefix is the key prefix of all snapshot objects.
	Prefix = "snapshots/"

	formatVersion byte = 1
	suffix             = ".json.sz"
)

var magic = []byte("PMSN")

// Snapshot is the decoded content of a snapshot object.
type Snapshot struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Catalog   *catalog.Dump `json:"catalog"`
}

// Encode serializes s into the snapshot object format.
func Encode(s *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to marshal: %w", err)
	}
	out := make([]byte, 0, len(magic)+1+snappy.MaxEncodedLen(len(raw)))
	out = append(out, magic...)
	out = append(out, formatVersion)
	return append(out, snappy.Encode(nil, raw)...), nil
}

// Decode parses a snapshot object.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("snapshot: not a snapshot object")
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", v)
	}
	raw, err := snappy.Decode(nil, data[len(magic)+1:])
	if err != nil {
		return nil, fmt.Errorf("snapshot: snappy decompress failed: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("snapshot: failed to unmarshal: %w", err)
	}
	if s.Catalog == nil {
		return nil, fmt.Errorf("snapshot: %s carries no catalog", s.ID)
	}
	return &s, nil
}

// Store reads and writes snapshots in an object storage.
type Store struct {
	storage storage.ObjectStorage
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a snapshot store on st.
func NewStore(st storage.ObjectStorage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Component("snapshot")
	}
	return &Store{storage: st, logger: logger, now: time.Now}
}

// Export writes the current catalog contents as a new snapshot and returns
// its key. Keys sort by creation time.
func (s *Store) Export(ctx context.Context, cat *catalog.Catalog) (string, error) {
	dump, err := cat.Dump(ctx)
	if err != nil {
		return "", err
	}
	snap := &Snapshot{ID: uuid.New().String(), CreatedAt: s.now().UTC(), Catalog: dump}
	data, err := Encode(snap)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%020d-%s%s", Prefix, snap.CreatedAt.UnixNano(), snap.ID, suffix)
	if err := s.storage.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("snapshot: failed to store %s: %w", key, err)
	}
	s.logger.Info("catalog snapshot exported",
		"key", key,
		"relations", len(dump.Relations),
		"partitioned_tables", len(dump.Config),
		"bytes", len(data))
	return key, nil
}

// List returns the keys of all snapshots, oldest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.storage.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Latest returns the key of the newest snapshot, or storage.ErrObjectNotFound
// when there is none.
func (s *Store) Latest(ctx context.Context) (string, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", storage.ErrObjectNotFound
	}
	return keys[len(keys)-1], nil
}

// Load reads and decodes the snapshot under key.
func (s *Store) Load(ctx context.Context, key string) (*Snapshot, error) {
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Import replaces the catalog contents with the snapshot under key, or the
// newest snapshot when key is empty. The replacement is one catalog
// transaction; every cache on the catalog's bus is invalidated on commit.
func (s *Store) Import(ctx context.Context, cat *catalog.Catalog, key string) (*Snapshot, error) {
	if key == "" {
		var err error
		if key, err = s.Latest(ctx); err != nil {
			return nil, err
		}
	}
	snap, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	tx, err := cat.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.Restore(ctx, snap.Catalog); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("catalog snapshot imported",
		"key", key,
		"snapshot", snap.ID,
		"created_at", snap.CreatedAt,
		"partitioned_tables", len(snap.Catalog.Config))
	return snap, nil
}
