// Package recovery implements StatePersistence and RecoveryCoordinator
// (spec §4.12): durable snapshot storage with rolling backups, and the
// startup sequence that rehydrates in-flight state from the freshest
// snapshot plus the transaction log. Grounded on
// original_source/core/runtime/state_snapshot.py's snapshot-building shape
// (model.StateSnapshot mirrors its SystemStateSnapshot/PositionSnapshot
// fields) and on the spec's own "write-tmp + rename, rolling backups"
// description, since original_source's persistence.py was not present in
// the retrieval pack beyond its import surface.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"execcore/internal/core"
	"execcore/internal/model"
)

const snapshotFilePrefix = "state_snapshot_"
const snapshotFileSuffix = ".json"

// StatePersistence writes StateSnapshot records atomically (write-tmp +
// rename) to dir, keeping up to maxBackups rolling generations.
type StatePersistence struct {
	dir        string
	maxBackups int
	logger     core.ILogger
}

// NewStatePersistence constructs a StatePersistence rooted at dir, creating
// it if necessary.
func NewStatePersistence(dir string, maxBackups int, logger core.ILogger) (*StatePersistence, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &StatePersistence{dir: dir, maxBackups: maxBackups, logger: logger.WithField("component", "state_persistence")}, nil
}

func (p *StatePersistence) filenameFor(ts time.Time) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s%s%s", snapshotFilePrefix, ts.UTC().Format("20060102T150405.000000000"), snapshotFileSuffix))
}

// Save writes snapshot atomically (tmp file + rename into place) and prunes
// old generations beyond maxBackups.
func (p *StatePersistence) Save(snapshot model.StateSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	finalPath := p.filenameFor(snapshot.Timestamp)
	tmp, err := os.CreateTemp(p.dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	p.pruneOldGenerations()
	return nil
}

func (p *StatePersistence) listGenerations() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(snapshotFilePrefix)+len(snapshotFileSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp-formatted names sort chronologically
	return names, nil
}

func (p *StatePersistence) pruneOldGenerations() {
	names, err := p.listGenerations()
	if err != nil {
		p.logger.Error("failed to list snapshot generations for pruning", "error", err)
		return
	}
	if p.maxBackups <= 0 || len(names) <= p.maxBackups {
		return
	}
	toRemove := names[:len(names)-p.maxBackups]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil {
			p.logger.Error("failed to prune old snapshot", "file", name, "error", err)
		}
	}
}

// LoadLatest returns the freshest non-corrupt snapshot, skipping any that
// fail to parse, or (nil, nil) if none exist or parse.
func (p *StatePersistence) LoadLatest() (*model.StateSnapshot, error) {
	names, err := p.listGenerations()
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(p.dir, names[i])
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn("failed to read snapshot, trying older generation", "file", names[i], "error", err)
			continue
		}
		var snap model.StateSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			p.logger.Warn("snapshot failed to parse, trying older generation", "file", names[i], "error", err)
			continue
		}
		return &snap, nil
	}
	return nil, nil
}
