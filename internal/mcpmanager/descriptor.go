// Package mcpmanager owns the lifecycle of configured tool servers:
// trust verification against recorded fingerprints, connection and the
// namespaced tool catalog, failure cooldowns, and timeout-triggered
// recycling.
package mcpmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcptransport"
)

// ToolPrefix namespaces every remote tool; the full form is
// mcp__<server>__<tool> and other components rely on it.
const ToolPrefix = "mcp__"

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var reservedServerNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"mcp":         true,
}

// ServerConfig describes one configured tool server. Exactly one of
// Command (stdio) or URL (remote) is set.
type ServerConfig struct {
	Name      string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Transport string
	Headers   map[string]string

	AllowLocalHTTP    bool
	AllowPrivateHTTPS bool
}

// Validate checks the name contract and the command/url shape. Server
// names cannot contain "__": the namespaced tool id splits on the first
// "__" after the prefix, and only tool names may contain the separator.
func (c *ServerConfig) Validate() error {
	if !serverNamePattern.MatchString(c.Name) {
		return errdefs.Newf(errdefs.KindValidation, "server name must match %s: %q", serverNamePattern, c.Name)
	}
	if reservedServerNames[strings.ToLower(c.Name)] {
		return errdefs.Newf(errdefs.KindValidation, "reserved server name: %s", c.Name)
	}
	if strings.Contains(c.Name, "__") {
		return errdefs.Newf(errdefs.KindValidation, "server name must not contain %q: %s", "__", c.Name)
	}
	if c.Command == "" && c.URL == "" {
		return errdefs.Newf(errdefs.KindValidation, "server %s needs a command or a url", c.Name)
	}
	if c.Command != "" && c.URL != "" {
		return errdefs.Newf(errdefs.KindValidation, "server %s has both a command and a url", c.Name)
	}
	if _, err := c.Kind(); err != nil {
		return err
	}
	return nil
}

// Kind returns the transport kind, inferring stdio for command servers
// and streamable HTTP for url servers when Transport is unset.
func (c *ServerConfig) Kind() (mcptransport.Kind, error) {
	if c.Transport == "" {
		if c.Command != "" {
			return mcptransport.KindStdio, nil
		}
		return mcptransport.KindStreamable, nil
	}
	kind, ok := mcptransport.ParseKind(c.Transport)
	if !ok {
		return 0, errdefs.Newf(errdefs.KindValidation, "unknown transport %q for server %s", c.Transport, c.Name)
	}
	if (kind == mcptransport.KindStdio) != (c.Command != "") {
		return 0, errdefs.Newf(errdefs.KindValidation, "transport %s does not match server %s configuration", kind, c.Name)
	}
	return kind, nil
}

// Fingerprint digests every connection-relevant field. encoding/json
// emits map keys sorted, so equal configurations digest equally
// regardless of declaration order.
func (c *ServerConfig) Fingerprint() (string, error) {
	payload, err := json.Marshal(struct {
		Name              string            `json:"name"`
		Command           string            `json:"command,omitempty"`
		Args              []string          `json:"args,omitempty"`
		Env               map[string]string `json:"env,omitempty"`
		URL               string            `json:"url,omitempty"`
		Transport         string            `json:"transport,omitempty"`
		Headers           map[string]string `json:"headers,omitempty"`
		AllowLocalHTTP    bool              `json:"allow_local_http,omitempty"`
		AllowPrivateHTTPS bool              `json:"allow_private_https,omitempty"`
	}(*c))
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// TrustStore records which configuration fingerprint was explicitly
// approved for each server name. Entries change only on explicit user
// actions.
type TrustStore interface {
	Fingerprint(name string) (string, bool)
	Approve(name, fingerprint string) error
	Revoke(name string) error
}

// ToolID forms the namespaced identifier for a server's tool.
func ToolID(server, tool string) string {
	return ToolPrefix + server + "__" + tool
}

// SplitToolID parses mcp__<server>__<tool>. Tool names may themselves
// contain "__"; server names cannot, so the first separator wins.
func SplitToolID(id string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(id, ToolPrefix)
	if !ok {
		return "", "", errdefs.Newf(errdefs.KindValidation, "tool id %q missing the %s prefix", id, ToolPrefix)
	}
	server, tool, ok = strings.Cut(rest, "__")
	if !ok || server == "" || tool == "" {
		return "", "", errdefs.Newf(errdefs.KindValidation, "malformed tool id: %s", id)
	}
	return server, tool, nil
}
