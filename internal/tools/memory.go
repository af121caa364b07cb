package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MemoryEntry is one remembered fact.
type MemoryEntry struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Body string `json:"body"`
}

type memoryDoc struct {
	Entries []MemoryEntry `json:"entries"`
}

// RegisterMemory installs the memory domain: append, replace, update over
// the run's memory document.
func RegisterMemory(r *Registry) {
	r.Register("memory", "append", memoryAppend)
	r.Register("memory", "replace", memoryReplace)
	r.Register("memory", "update", memoryUpdate)
}

func decodeMemoryEntries(args map[string]any) ([]MemoryEntry, error) {
	raw, _ := args["entries"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrValidation)
	}
	entries := make([]MemoryEntry, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d malformed", ErrValidation, i)
		}
		entry := MemoryEntry{
			ID:   stringArg(m, "id"),
			Key:  stringArg(m, "key"),
			Body: stringArg(m, "body"),
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func memoryAppend(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("memory", "append")
	entries, err := decodeMemoryEntries(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	var doc memoryDoc
	if err := loadState(tc, "memory", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	doc.Entries = append(doc.Entries, entries...)
	if err := saveState(tc, "memory", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("appended", len(entries))
	return trace, nil
}

func memoryReplace(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("memory", "replace")
	entries, err := decodeMemoryEntries(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	if err := saveState(tc, "memory", memoryDoc{Entries: entries}); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("replaced", len(entries))
	return trace, nil
}

// memoryUpdate patches entries by id, falling back to normalized key.
// An ambiguous key match fails the whole operation; a missing target is a
// warning counted as skipped_missing. No mutation persists on failure.
func memoryUpdate(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("memory", "update")
	patches, _ := args["patches"].([]any)
	if len(patches) == 0 {
		err := fmt.Errorf("%w: no patches", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	var doc memoryDoc
	if err := loadState(tc, "memory", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	ids := make([]string, len(doc.Entries))
	keys := make([]string, len(doc.Entries))
	for i, e := range doc.Entries {
		ids[i], keys[i] = e.ID, e.Key
	}

	updated := 0
	for i, raw := range patches {
		patch, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("%w: patch %d malformed", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		}
		idx, result := findByIDThenKey(ids, keys, stringArg(patch, "id"), stringArg(patch, "key"))
		switch result {
		case matchAmbiguous:
			err := fmt.Errorf("%w: patch %d matches multiple entries", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		case matchNone:
			trace.warn("patch %d target not found", i)
			trace.count("skipped_missing", 1)
			continue
		}
		if body, present := patch["body"]; present {
			doc.Entries[idx].Body, _ = body.(string)
		}
		if key, present := patch["new_key"]; present {
			doc.Entries[idx].Key, _ = key.(string)
			keys[idx] = doc.Entries[idx].Key
		}
		updated++
	}
	if err := saveState(tc, "memory", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("updated", updated)
	return trace, nil
}
