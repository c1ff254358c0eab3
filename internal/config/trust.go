package config

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

type trustDoc struct {
	Fingerprints map[string]string `yaml:"fingerprints"`
}

// TrustFile is the name → approved-fingerprint table, held in memory and
// rewritten atomically on every approve or revoke.
type TrustFile struct {
	path   string
	logger *zap.Logger

	mu           sync.Mutex
	fingerprints map[string]string
}

func NewTrustFile(path string, logger *zap.Logger) (*TrustFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TrustFile{
		path:         path,
		logger:       logger,
		fingerprints: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("NewTrustFile: %w", err)
	}
	var doc trustDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "trust.yaml is malformed", err)
	}
	if doc.Fingerprints != nil {
		t.fingerprints = doc.Fingerprints
	}
	return t, nil
}

// Fingerprint returns the approved fingerprint for name.
func (t *TrustFile) Fingerprint(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.fingerprints[name]
	return fp, ok
}

// Approve records name's fingerprint and persists the table.
func (t *TrustFile) Approve(name, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fingerprints[name] = fingerprint
	if err := t.write(); err != nil {
		return err
	}
	t.logger.Info("server fingerprint approved", zap.String("server", name))
	return nil
}

// Revoke drops name from the table and persists it. Revoking an absent
// name is a no-op.
func (t *TrustFile) Revoke(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fingerprints[name]; !ok {
		return nil
	}
	delete(t.fingerprints, name)
	if err := t.write(); err != nil {
		return err
	}
	t.logger.Info("server trust revoked", zap.String("server", name))
	return nil
}

func (t *TrustFile) write() error {
	data, err := yaml.Marshal(&trustDoc{Fingerprints: t.fingerprints})
	if err != nil {
		return fmt.Errorf("write trust table: %w", err)
	}
	if err := writeFileAtomic(t.path, data); err != nil {
		return fmt.Errorf("write trust table: %w", err)
	}
	return nil
}
