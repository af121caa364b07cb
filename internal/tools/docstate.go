package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stateDir holds domain-node documents inside the sandbox.
const stateDir = ".state"

// normalizeKey folds a lookup key for fallback matching: lower-case,
// trimmed, inner whitespace collapsed.
func normalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(key))), " ")
}

func statePath(tc Context, domain string) (string, error) {
	root, err := filepath.Abs(tc.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("%w: workspace root: %v", ErrValidation, err)
	}
	return filepath.Join(root, stateDir, domain+".json"), nil
}

func loadState[T any](tc Context, domain string, dst *T) error {
	path, err := statePath(tc, domain)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s state: %w", domain, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: corrupt %s state: %v", ErrValidation, domain, err)
	}
	return nil
}

func saveState(tc Context, domain string, v any) error {
	path, err := statePath(tc, domain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s state: %w", domain, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s state: %w", domain, err)
	}
	return nil
}

// matchResult is the outcome of an id-then-key lookup.
type matchResult int

const (
	matchNone matchResult = iota
	matchOne
	matchAmbiguous
)

// findByIDThenKey locates entries by id first, then by normalized key.
// An id hit is always unique; key hits can be ambiguous.
func findByIDThenKey(ids []string, keys []string, wantID, wantKey string) (int, matchResult) {
	if wantID != "" {
		for i, id := range ids {
			if id == wantID {
				return i, matchOne
			}
		}
	}
	if wantKey == "" {
		return -1, matchNone
	}
	want := normalizeKey(wantKey)
	found := -1
	for i, key := range keys {
		if normalizeKey(key) != want {
			continue
		}
		if found >= 0 {
			return -1, matchAmbiguous
		}
		found = i
	}
	if found < 0 {
		return -1, matchNone
	}
	return found, matchOne
}
