// Package adapters translates compiled instruction packages into
// provider-native on-disk files inside the run sandbox, with a structured
// prompt-envelope fallback for providers without a native file convention.
package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nodadyoushutup/llmctl/internal/instructions"
)

// Mode distinguishes native materialization from the fallback envelope.
type Mode string

const (
	ModeNative   Mode = "native"
	ModeFallback Mode = "fallback"
)

// Result is what a materialization produced.
type Result struct {
	Mode              Mode
	Adapter           string
	MaterializedPaths []string
	Warnings          []string
	// Fallback carries the prompt envelope when Mode is fallback.
	Fallback *PromptEnvelope
}

// PromptEnvelope is the provider-agnostic instruction payload used when no
// native adapter exists. Nothing is written to disk.
type PromptEnvelope struct {
	System      string `json:"system"`
	PackageHash string `json:"package_hash"`
}

// Info describes an adapter for diagnostics.
type Info struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	Native   bool   `json:"native"`
}

// Adapter is the provider capability set.
type Adapter interface {
	Materialize(pkg *instructions.Package, sandboxRoot string) (Result, error)
	FallbackPayload(pkg *instructions.Package) PromptEnvelope
	Describe() Info
}

// fileAdapter writes the merged instructions to one well-known filename at
// the sandbox root.
type fileAdapter struct {
	name     string
	filename string
}

func (a fileAdapter) Materialize(pkg *instructions.Package, sandboxRoot string) (Result, error) {
	path := filepath.Join(sandboxRoot, a.filename)
	if err := os.WriteFile(path, []byte(pkg.Artifacts[instructions.ArtifactInstructions]), 0o644); err != nil {
		return Result{}, fmt.Errorf("materialize %s: %w", a.filename, err)
	}
	return Result{
		Mode:              ModeNative,
		Adapter:           a.name,
		MaterializedPaths: []string{path},
	}, nil
}

func (a fileAdapter) FallbackPayload(pkg *instructions.Package) PromptEnvelope {
	return fallbackEnvelope(pkg)
}

func (a fileAdapter) Describe() Info {
	return Info{Name: a.name, Filename: a.filename, Native: true}
}

// fallbackAdapter returns a prompt envelope and writes nothing.
type fallbackAdapter struct{}

func (fallbackAdapter) Materialize(pkg *instructions.Package, _ string) (Result, error) {
	env := fallbackEnvelope(pkg)
	return Result{Mode: ModeFallback, Adapter: "fallback", Fallback: &env}, nil
}

func (fallbackAdapter) FallbackPayload(pkg *instructions.Package) PromptEnvelope {
	return fallbackEnvelope(pkg)
}

func (fallbackAdapter) Describe() Info {
	return Info{Name: "fallback", Native: false}
}

func fallbackEnvelope(pkg *instructions.Package) PromptEnvelope {
	return PromptEnvelope{
		System:      pkg.Artifacts[instructions.ArtifactInstructions],
		PackageHash: pkg.Manifest.PackageHash,
	}
}

// Registry resolves provider ids to adapters. Provider families share one
// native filename; unknown providers fall back to the prompt envelope.
type Registry struct {
	byFamily map[string]Adapter
	fallback Adapter
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	return &Registry{
		byFamily: map[string]Adapter{
			"claude": fileAdapter{name: "claude", filename: "CLAUDE.md"},
			"openai": fileAdapter{name: "openai", filename: "AGENTS.md"},
			"gemini": fileAdapter{name: "gemini", filename: "GEMINI.md"},
		},
		fallback: fallbackAdapter{},
	}
}

// Resolve returns the adapter for a provider id. Family matching is by
// prefix before the first '-', '/' or ':', e.g. "claude-opus" → claude,
// "openai/gpt" → openai.
func (r *Registry) Resolve(providerID string) Adapter {
	family := strings.ToLower(strings.TrimSpace(providerID))
	if i := strings.IndexAny(family, "-/:"); i > 0 {
		family = family[:i]
	}
	if adapter, ok := r.byFamily[family]; ok {
		return adapter
	}
	return r.fallback
}

// Materialize resolves and runs the adapter for providerID.
func (r *Registry) Materialize(providerID string, pkg *instructions.Package, sandboxRoot string) (Result, error) {
	return r.Resolve(providerID).Materialize(pkg, sandboxRoot)
}
