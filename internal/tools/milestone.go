package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Milestone tracks a deliverable's status, priority and health.
type Milestone struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Health   string `json:"health,omitempty"`
}

type milestoneDoc struct {
	Milestones []Milestone `json:"milestones"`
}

var (
	milestoneStatuses   = map[string]bool{"planned": true, "in_progress": true, "done": true, "dropped": true}
	milestonePriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	milestoneHealths    = map[string]bool{"on_track": true, "at_risk": true, "off_track": true}
)

// RegisterMilestone installs the milestone domain.
func RegisterMilestone(r *Registry) {
	r.Register("milestone", "append", milestoneAppend)
	r.Register("milestone", "replace", milestoneReplace)
	r.Register("milestone", "update", milestoneUpdate)
}

func decodeMilestones(args map[string]any) ([]Milestone, error) {
	raw, _ := args["milestones"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no milestones", ErrValidation)
	}
	milestones := make([]Milestone, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: milestone %d malformed", ErrValidation, i)
		}
		ms := Milestone{
			ID:       stringArg(m, "id"),
			Key:      stringArg(m, "key"),
			Status:   stringArg(m, "status"),
			Priority: stringArg(m, "priority"),
			Health:   stringArg(m, "health"),
		}
		if ms.ID == "" {
			ms.ID = uuid.NewString()
		}
		if err := validateMilestoneFields(ms.Status, ms.Priority, ms.Health); err != nil {
			return nil, fmt.Errorf("milestone %d: %w", i, err)
		}
		milestones = append(milestones, ms)
	}
	return milestones, nil
}

func validateMilestoneFields(status, priority, health string) error {
	if status != "" && !milestoneStatuses[status] {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if priority != "" && !milestonePriorities[priority] {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}
	if health != "" && !milestoneHealths[health] {
		return fmt.Errorf("%w: unknown health %q", ErrValidation, health)
	}
	return nil
}

func milestoneAppend(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("milestone", "append")
	milestones, err := decodeMilestones(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	var doc milestoneDoc
	if err := loadState(tc, "milestone", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	doc.Milestones = append(doc.Milestones, milestones...)
	if err := saveState(tc, "milestone", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("appended", len(milestones))
	return trace, nil
}

func milestoneReplace(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("milestone", "replace")
	milestones, err := decodeMilestones(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	if err := saveState(tc, "milestone", milestoneDoc{Milestones: milestones}); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("replaced", len(milestones))
	return trace, nil
}

func milestoneUpdate(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("milestone", "update")
	patches, _ := args["patches"].([]any)
	if len(patches) == 0 {
		err := fmt.Errorf("%w: no patches", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	var doc milestoneDoc
	if err := loadState(tc, "milestone", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	ids := make([]string, len(doc.Milestones))
	keys := make([]string, len(doc.Milestones))
	for i, m := range doc.Milestones {
		ids[i], keys[i] = m.ID, m.Key
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
			err := fmt.Errorf("%w: patch %d matches multiple milestones", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		case matchNone:
			trace.warn("patch %d target not found", i)
			trace.count("skipped_missing", 1)
			continue
		}
		status := stringArg(patch, "status")
		priority := stringArg(patch, "priority")
		health := stringArg(patch, "health")
		if err := validateMilestoneFields(status, priority, health); err != nil {
			trace.fail("patch %d: %v", i, err)
			return trace, err
		}
		ms := &doc.Milestones[idx]
		if status != "" {
			ms.Status = status
		}
		if priority != "" {
			ms.Priority = priority
		}
		if health != "" {
			ms.Health = health
		}
		updated++
	}
	if err := saveState(tc, "milestone", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("updated", updated)
	return trace, nil
}
