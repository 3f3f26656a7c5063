package workspace

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HistoryAction tags why a History record was appended.
type HistoryAction string

const (
	ActionIssued  HistoryAction = "issued"
	ActionSkipped HistoryAction = "skipped"
	ActionRepaired HistoryAction = "repaired"
)

// HistoryRecord is one line of operator-visible renewal history
// (§SPEC_FULL supplement 2). It is append-only and never read back by
// the client itself, so it cannot affect any issuance decision.
type HistoryRecord struct {
	At          time.Time     `yaml:"at"`
	Action      HistoryAction `yaml:"action"`
	NotAfter    time.Time     `yaml:"notAfter,omitempty"`
	Fingerprint string        `yaml:"fingerprint,omitempty"`
}

// AppendHistory appends one YAML-encoded record to
// workDir/<D>/history.yaml, creating the file if absent.
func (s *Session) AppendHistory(rec HistoryRecord) error {
	raw, err := yaml.Marshal([]HistoryRecord{rec})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.DomainDir, "history.yaml"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(raw)
	return err
}
