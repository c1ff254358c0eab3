// Package config owns the files under the bulwark config directory: the
// configured server list (servers.yaml) and the trust-fingerprint table
// (trust.yaml). Both are rewritten atomically and only on explicit
// add/approve/remove actions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	shellwords "github.com/mattn/go-shellwords"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
)

const (
	serversFile = "servers.yaml"
	trustFile   = "trust.yaml"
)

// CommandLine is an argv that unmarshals from either a YAML list or a
// single string split with shell quoting rules.
type CommandLine []string

func (c *CommandLine) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		words, err := shellwords.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse command %q: %w", raw, err)
		}
		*c = words
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("command must be a string or a list")
	}
}

type serverEntry struct {
	Command           CommandLine       `yaml:"command,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	URL               string            `yaml:"url,omitempty"`
	Transport         string            `yaml:"transport,omitempty"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	AllowLocalHTTP    bool              `yaml:"allow_local_http,omitempty"`
	AllowPrivateHTTPS bool              `yaml:"allow_private_https,omitempty"`
}

type serversDoc struct {
	Servers map[string]serverEntry `yaml:"servers"`
}

// Store reads and rewrites the config directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("NewStore: empty config directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) serversPath() string {
	return filepath.Join(s.dir, serversFile)
}

// TrustPath returns the trust table location inside the config dir.
func (s *Store) TrustPath() string {
	return filepath.Join(s.dir, trustFile)
}

// LoadServers returns every configured server, validated and sorted by
// name. A missing file is an empty configuration, not an error.
func (s *Store) LoadServers() ([]mcpmanager.ServerConfig, error) {
	doc, err := s.readServers()
	if err != nil {
		return nil, err
	}
	out := make([]mcpmanager.ServerConfig, 0, len(doc.Servers))
	for name, entry := range doc.Servers {
		cfg := entryToConfig(name, entry)
		if err := cfg.Validate(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidation,
				fmt.Sprintf("servers.yaml entry %q", name), err)
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveServer adds or replaces one server entry and rewrites the file.
func (s *Store) SaveServer(cfg mcpmanager.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	doc, err := s.readServers()
	if err != nil {
		return err
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]serverEntry)
	}
	doc.Servers[cfg.Name] = configToEntry(cfg)
	return s.writeServers(doc)
}

// DeleteServer drops one entry. Deleting an absent server is a no-op.
func (s *Store) DeleteServer(name string) error {
	doc, err := s.readServers()
	if err != nil {
		return err
	}
	if _, ok := doc.Servers[name]; !ok {
		return nil
	}
	delete(doc.Servers, name)
	return s.writeServers(doc)
}

func (s *Store) readServers() (*serversDoc, error) {
	data, err := os.ReadFile(s.serversPath())
	if os.IsNotExist(err) {
		return &serversDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readServers: %w", err)
	}
	var doc serversDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "servers.yaml is malformed", err)
	}
	return &doc, nil
}

func (s *Store) writeServers(doc *serversDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("writeServers: %w", err)
	}
	if err := writeFileAtomic(s.serversPath(), data); err != nil {
		return fmt.Errorf("writeServers: %w", err)
	}
	s.logger.Debug("servers.yaml rewritten", zap.Int("servers", len(doc.Servers)))
	return nil
}

func entryToConfig(name string, e serverEntry) mcpmanager.ServerConfig {
	cfg := mcpmanager.ServerConfig{
		Name:              name,
		Env:               e.Env,
		URL:               e.URL,
		Transport:         e.Transport,
		Headers:           e.Headers,
		AllowLocalHTTP:    e.AllowLocalHTTP,
		AllowPrivateHTTPS: e.AllowPrivateHTTPS,
	}
	if len(e.Command) > 0 {
		cfg.Command = e.Command[0]
		cfg.Args = append([]string(nil), e.Command[1:]...)
	}
	return cfg
}

func configToEntry(cfg mcpmanager.ServerConfig) serverEntry {
	e := serverEntry{
		Env:               cfg.Env,
		URL:               cfg.URL,
		Transport:         cfg.Transport,
		Headers:           cfg.Headers,
		AllowLocalHTTP:    cfg.AllowLocalHTTP,
		AllowPrivateHTTPS: cfg.AllowPrivateHTTPS,
	}
	if cfg.Command != "" {
		e.Command = append(CommandLine{cfg.Command}, cfg.Args...)
	}
	return e
}

// writeFileAtomic writes data to a temp file in the target's directory
// and renames it over path, so readers never see a partial file. Config
// files may carry credentials in headers, hence 0600.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
