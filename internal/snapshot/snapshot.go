// Package snapshot persists and restores the engine's learned state. The
// on-disk format is a gzip-compressed JSON envelope carrying a schema
// version and a sha256 checksum over the payload; any mismatch fails closed
// so the engine starts cold instead of loading incompatible or corrupt
// state.
package snapshot

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// SchemaVersion identifies the current snapshot layout. Bump on any
// incompatible change to Document or ShardState.
const SchemaVersion = 1

// Document is the full persisted state.
type Document struct {
	SavedAt   time.Time      `json:"saved_at"`
	Shards    []ShardState   `json:"shards"`
	Predictor PredictorState `json:"predictor"`
}

// ShardState is one shard's learned state: the policy value table and the
// aggregated key features.
type ShardState struct {
	Policy   types.PolicyState            `json:"policy"`
	Features map[string]types.KeyFeatures `json:"features"`
}

// PredictorState is the sequence model's trained weights. The predictor is
// engine-wide, so it is persisted once, not per shard. Transition contexts
// are deliberately not persisted; they rebuild within one pass over a
// recurring workload.
type PredictorState struct {
	Weights map[string]float64 `json:"weights"`
	Bias    float64            `json:"bias"`
	Updates uint64             `json:"updates"`
}

// envelope is the outer layer actually written to disk. Payload stays raw
// so the checksum covers the exact serialized bytes.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

// Manager reads and writes snapshots at a fixed path.
type Manager struct {
	path   string
	logger *zap.Logger
}

// NewManager builds a manager for path. The logger may be nil.
func NewManager(path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{path: path, logger: logger}
}

// Path returns the snapshot location.
func (m *Manager) Path() string {
	return m.path
}

// Save writes doc atomically: the envelope is written to a temp file in the
// same directory and renamed over the target.
func (m *Manager) Save(doc *Document) error {
	doc.SavedAt = time.Now()

	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to serialize snapshot").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}

	env := envelope{
		SchemaVersion: SchemaVersion,
		Checksum:      checksum(payload),
		Payload:       payload,
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0750); err != nil {
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to create snapshot directory").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}

	tmpPath := m.path + ".tmp"
	if err := m.writeEnvelope(tmpPath, &env); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to replace snapshot").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}

	m.logger.Info("snapshot saved",
		zap.String("path", m.path),
		zap.Int("shards", len(doc.Shards)),
		zap.Int("bytes", len(payload)))
	return nil
}

// Load reads the snapshot. A missing file returns (nil, nil): cold start. A
// schema mismatch returns StaleSnapshot and a bad checksum or undecodable
// file returns SnapshotCorrupt; in both cases no partial state is returned.
func (m *Manager) Load() (*Document, error) {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewError(errors.ErrCodeSnapshotRead, "failed to open snapshot").
			WithComponent("snapshot").
			WithOperation("Load").
			WithCause(err)
	}
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeSnapshotCorrupt, "snapshot is not a gzip stream").
			WithComponent("snapshot").
			WithOperation("Load").
			WithCause(err)
	}
	defer func() { _ = gz.Close() }()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeSnapshotCorrupt, "failed to decompress snapshot").
			WithComponent("snapshot").
			WithOperation("Load").
			WithCause(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewError(errors.ErrCodeSnapshotCorrupt, "failed to decode snapshot envelope").
			WithComponent("snapshot").
			WithOperation("Load").
			WithCause(err)
	}

	if env.SchemaVersion != SchemaVersion {
		return nil, errors.Newf(errors.ErrCodeStaleSnapshot,
			"snapshot schema %d, engine expects %d", env.SchemaVersion, SchemaVersion).
			WithComponent("snapshot").
			WithOperation("Load")
	}
	if checksum(env.Payload) != env.Checksum {
		return nil, errors.NewError(errors.ErrCodeSnapshotCorrupt, "snapshot checksum mismatch").
			WithComponent("snapshot").
			WithOperation("Load")
	}

	var doc Document
	if err := json.Unmarshal(env.Payload, &doc); err != nil {
		return nil, errors.NewError(errors.ErrCodeSnapshotCorrupt, "failed to decode snapshot payload").
			WithComponent("snapshot").
			WithOperation("Load").
			WithCause(err)
	}

	m.logger.Info("snapshot loaded",
		zap.String("path", m.path),
		zap.Int("shards", len(doc.Shards)),
		zap.Time("saved_at", doc.SavedAt))
	return &doc, nil
}

func (m *Manager) writeEnvelope(path string, env *envelope) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to create snapshot file").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}
	defer func() { _ = file.Close() }()

	gz := gzip.NewWriter(file)
	if err := json.NewEncoder(gz).Encode(env); err != nil {
		_ = gz.Close()
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to write snapshot").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}
	if err := gz.Close(); err != nil {
		return errors.NewError(errors.ErrCodeSnapshotWrite, "failed to flush snapshot").
			WithComponent("snapshot").
			WithOperation("Save").
			WithCause(err)
	}
	return nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}
