package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CheckState is the persisted outcome of the last update check for an
// edition. It survives restarts so a freshly started instance does not
// re-download an edition it checked moments ago.
type CheckState struct {
	LastCheck   time.Time `msgpack:"last_check"`
	LastSuccess time.Time `msgpack:"last_success"`
	LastError   string    `msgpack:"last_error,omitempty"`
}

func (d *Dir) statePath(edition string) string {
	return filepath.Join(d.root, edition+".state")
}

// LoadCheckState reads the sidecar for edition. A missing sidecar returns
// the zero state and no error.
func (d *Dir) LoadCheckState(edition string) (CheckState, error) {
	data, err := os.ReadFile(d.statePath(edition))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CheckState{}, nil
		}
		return CheckState{}, fmt.Errorf("read check state: %w", err)
	}
	var st CheckState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return CheckState{}, fmt.Errorf("decode check state %s: %w", edition, err)
	}
	return st, nil
}

// SaveCheckState persists the sidecar for edition.
func (d *Dir) SaveCheckState(edition string, st CheckState) error {
	data, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode check state: %w", err)
	}
	return d.writeAtomic(d.statePath(edition), data)
}
