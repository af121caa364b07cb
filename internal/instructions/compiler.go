// Package instructions builds the deterministic per-run instruction
// package: normalized role/agent/priority artifacts plus a hashed manifest,
// materialized into the run sandbox for provider adapters to consume.
package instructions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// PackageDir is the sandbox-relative directory holding materialized
// instruction artifacts.
const PackageDir = ".instructions"

// Artifact names inside a package.
const (
	ArtifactRole         = "ROLE"
	ArtifactAgent        = "AGENT"
	ArtifactInstructions = "INSTRUCTIONS"
	ArtifactPriorities   = "PRIORITIES"
)

// oversizeWarnBytes triggers a warning (no truncation in this version).
const oversizeWarnBytes = 256 * 1024

var ErrValidation = errors.New("validation_error")

// Priority is one ordered priority entry included for autorun runs.
type Priority struct {
	ID       string
	Body     string
	Position int
}

// Input is everything the compiler needs for one run.
type Input struct {
	RoleID     string
	RoleBody   string
	AgentID    string
	AgentBody  string
	Priorities []Priority
	Autorun    bool
	ProviderID string
	// Overrides are appended to INSTRUCTIONS after the merged bodies,
	// in key order.
	Overrides map[string]string
}

// Package is the compiled result.
type Package struct {
	Artifacts map[string]string // artifact name → normalized body
	Manifest  Manifest
	Warnings  []string
}

// Manifest describes the package deterministically. PackageHash is the
// SHA-256 of the canonical manifest JSON with the hash field empty.
type Manifest struct {
	Artifacts   map[string]ArtifactInfo `json:"artifacts"`
	RoleID      string                  `json:"role_id"`
	AgentID     string                  `json:"agent_id"`
	PriorityIDs []string                `json:"priority_ids,omitempty"`
	RunMode     string                  `json:"run_mode"`
	ProviderID  string                  `json:"provider_id"`
	PackageHash string                  `json:"package_hash,omitempty"`
}

// ArtifactInfo records one artifact's hash and size.
type ArtifactInfo struct {
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Compile builds the package. Identical inputs produce byte-identical
// artifacts and an identical manifest hash.
func Compile(in Input) (*Package, error) {
	if strings.TrimSpace(in.RoleBody) == "" {
		return nil, fmt.Errorf("%w: empty role body", ErrValidation)
	}
	if strings.TrimSpace(in.AgentBody) == "" {
		return nil, fmt.Errorf("%w: empty agent body", ErrValidation)
	}
	if !utf8.ValidString(in.RoleBody) || !utf8.ValidString(in.AgentBody) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrValidation)
	}

	pkg := &Package{Artifacts: make(map[string]string)}
	pkg.Artifacts[ArtifactRole] = Normalize(in.RoleBody)
	pkg.Artifacts[ArtifactAgent] = Normalize(in.AgentBody)

	var priorityIDs []string
	if in.Autorun && len(in.Priorities) > 0 {
		priorities := append([]Priority(nil), in.Priorities...)
		sort.SliceStable(priorities, func(i, j int) bool {
			return priorities[i].Position < priorities[j].Position
		})
		var b strings.Builder
		for i, p := range priorities {
			if !utf8.ValidString(p.Body) {
				return nil, fmt.Errorf("%w: priority %s is not valid UTF-8", ErrValidation, p.ID)
			}
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "## Priority %d\n\n%s", i+1, Normalize(p.Body))
			priorityIDs = append(priorityIDs, p.ID)
		}
		pkg.Artifacts[ArtifactPriorities] = Normalize(b.String())
	}

	pkg.Artifacts[ArtifactInstructions] = mergeInstructions(pkg, in)

	for name, body := range pkg.Artifacts {
		if len(body) > oversizeWarnBytes {
			pkg.Warnings = append(pkg.Warnings,
				fmt.Sprintf("artifact %s exceeds %d bytes (%d)", name, oversizeWarnBytes, len(body)))
		}
	}
	sort.Strings(pkg.Warnings)

	runMode := "manual"
	if in.Autorun {
		runMode = "autorun"
	}
	manifest := Manifest{
		Artifacts:   make(map[string]ArtifactInfo, len(pkg.Artifacts)),
		RoleID:      in.RoleID,
		AgentID:     in.AgentID,
		PriorityIDs: priorityIDs,
		RunMode:     runMode,
		ProviderID:  in.ProviderID,
	}
	for name, body := range pkg.Artifacts {
		sum := sha256.Sum256([]byte(body))
		manifest.Artifacts[name] = ArtifactInfo{SHA256: hex.EncodeToString(sum[:]), Bytes: len(body)}
	}
	hash, err := canonicalHash(manifest)
	if err != nil {
		return nil, err
	}
	manifest.PackageHash = hash
	pkg.Manifest = manifest
	return pkg, nil
}

func mergeInstructions(pkg *Package, in Input) string {
	var b strings.Builder
	b.WriteString("# Role\n\n")
	b.WriteString(pkg.Artifacts[ArtifactRole])
	b.WriteString("\n# Agent\n\n")
	b.WriteString(pkg.Artifacts[ArtifactAgent])
	if priorities, ok := pkg.Artifacts[ArtifactPriorities]; ok {
		b.WriteString("\n# Priorities\n\n")
		b.WriteString(priorities)
	}
	if len(in.Overrides) > 0 {
		keys := make([]string, 0, len(in.Overrides))
		for k := range in.Overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n# Overrides\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "## %s\n\n%s\n", k, Normalize(in.Overrides[k]))
		}
	}
	return Normalize(b.String())
}

// Normalize applies the package text rules: LF newlines, no trailing
// whitespace per line, exactly one terminating newline.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	return out + "\n"
}

// canonicalHash hashes the manifest's canonical JSON form: sorted keys,
// compact separators, hash field cleared.
func canonicalHash(m Manifest) (string, error) {
	m.PackageHash = ""
	// encoding/json sorts map keys but keeps struct fields in declaration
	// order; a round trip through a generic map sorts every key, and the
	// output is compact.
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Materialize writes the package into <sandboxRoot>/.instructions/,
// including the manifest, and returns the directory path.
func Materialize(pkg *Package, sandboxRoot string) (string, error) {
	dir := filepath.Join(sandboxRoot, PackageDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create instruction dir: %w", err)
	}
	names := make([]string, 0, len(pkg.Artifacts))
	for name := range pkg.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(pkg.Artifacts[name]), 0o644); err != nil {
			return "", fmt.Errorf("write artifact %s: %w", name, err)
		}
	}
	manifestJSON, err := json.MarshalIndent(pkg.Manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return dir, nil
}
