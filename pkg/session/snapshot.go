package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ormasoftchile/apiline/pkg/vars"
)

// Snapshot is the serializable state of a session, for `dump`.
type Snapshot struct {
	Path        string       `json:"path"`
	Fingerprint string       `json:"fingerprint"`
	Cursor      int          `json:"cursor"`
	Variables   []vars.Entry `json:"variables"`
	Steps       []StepView   `json:"steps"`
	TakenAt     time.Time    `json:"taken_at"`
}

// Snapshot captures the current session state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{
		Path:        s.wf.Path,
		Fingerprint: s.wf.StoredFingerprint(),
		Cursor:      s.wf.Cursor,
		Variables:   s.wf.Vars.Snapshot(),
		Steps:       s.stepViews(),
		TakenAt:     time.Now().UTC(),
	}
}

// JSON renders the snapshot indented.
func (sn *Snapshot) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(sn, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// SaveSnapshot persists the snapshot to a JSON file.
func (sn *Snapshot) SaveSnapshot(path string) error {
	data, err := sn.JSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
