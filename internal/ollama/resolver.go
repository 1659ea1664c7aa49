// Package ollama finds GGUF blobs in a local Ollama model store, so a T5
// model pulled with Ollama can be run by name.
package ollama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-ut5/internal/logger"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir is $OLLAMA_MODELS or ~/.ollama/models.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ModelName is a parsed [registry/][namespace/]name[:tag] reference.
type ModelName struct {
	Registry, Namespace, Name, Tag string
}

func ParseModelName(s string) (ModelName, error) {
	m := ModelName{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return m, fmt.Errorf("empty model name")
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		m.Tag = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		m.Name = parts[0]
	case 2:
		m.Namespace, m.Name = parts[0], parts[1]
	case 3:
		m.Registry, m.Namespace, m.Name = parts[0], parts[1], parts[2]
	default:
		return m, fmt.Errorf("invalid model name %q", s)
	}
	if m.Registry == "" || m.Namespace == "" || m.Name == "" || m.Tag == "" {
		return m, fmt.Errorf("invalid model name %q", s)
	}
	return m, nil
}

func (m ModelName) manifestPath(base string) string {
	return filepath.Join(base, "manifests", m.Registry, m.Namespace, m.Name, m.Tag)
}

func (m ModelName) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", m.Registry, m.Namespace, m.Name, m.Tag)
}

// ResolveModelPath returns the GGUF blob for an Ollama model reference.
func ResolveModelPath(ref string) (string, error) {
	base, err := ModelsDir()
	if err != nil {
		return "", err
	}
	name, err := ParseModelName(ref)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(name.manifestPath(base))
	if err != nil {
		return "", fmt.Errorf("model manifest for %s: %w", name, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("model manifest for %s: %w", name, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer in manifest of %s", name)
	}

	// Digest "sha256:<hash>" is stored as blobs/sha256-<hash>.
	blob := filepath.Join(base, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("model blob: %w", err)
	}
	return blob, nil
}

// ModelPath treats arg as a file when it exists and as an Ollama reference
// otherwise.
func ModelPath(arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	path, err := ResolveModelPath(arg)
	if err != nil {
		return "", fmt.Errorf("%s is neither a file nor an Ollama model: %w", arg, err)
	}
	logger.Log.Info("resolved Ollama model", "model", arg, "path", path)
	return path, nil
}
