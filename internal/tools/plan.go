package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PlanTask is one task inside a stage.
type PlanTask struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Body   string `json:"body"`
	Status string `json:"status,omitempty"`
}

// PlanStage groups ordered tasks.
type PlanStage struct {
	ID    string     `json:"id"`
	Key   string     `json:"key"`
	Tasks []PlanTask `json:"tasks,omitempty"`
}

type planDoc struct {
	Stages []PlanStage `json:"stages"`
}

// RegisterPlan installs the plan domain.
func RegisterPlan(r *Registry) {
	r.Register("plan", "append", planAppend)
	r.Register("plan", "replace", planReplace)
	r.Register("plan", "update", planUpdate)
}

func decodeStages(args map[string]any) ([]PlanStage, error) {
	raw, _ := args["stages"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrValidation)
	}
	stages := make([]PlanStage, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: stage %d malformed", ErrValidation, i)
		}
		stage := PlanStage{ID: stringArg(m, "id"), Key: stringArg(m, "key")}
		if stage.ID == "" {
			stage.ID = uuid.NewString()
		}
		rawTasks, _ := m["tasks"].([]any)
		for j, rt := range rawTasks {
			tm, ok := rt.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: stage %d task %d malformed", ErrValidation, i, j)
			}
			task := PlanTask{
				ID:     stringArg(tm, "id"),
				Key:    stringArg(tm, "key"),
				Body:   stringArg(tm, "body"),
				Status: stringArg(tm, "status"),
			}
			if task.ID == "" {
				task.ID = uuid.NewString()
			}
			stage.Tasks = append(stage.Tasks, task)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func planAppend(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("plan", "append")
	stages, err := decodeStages(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	var doc planDoc
	if err := loadState(tc, "plan", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	doc.Stages = append(doc.Stages, stages...)
	if err := saveState(tc, "plan", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("appended_stages", len(stages))
	return trace, nil
}

func planReplace(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("plan", "replace")
	stages, err := decodeStages(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	if err := saveState(tc, "plan", planDoc{Stages: stages}); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("replaced_stages", len(stages))
	return trace, nil
}

// planUpdate patches stages and their tasks. Matching is by id then
// normalized key at both levels; any ambiguous match or malformed patch
// fails the whole operation and persists nothing.
func planUpdate(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("plan", "update")
	patches, _ := args["patches"].([]any)
	if len(patches) == 0 {
		err := fmt.Errorf("%w: no patches", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	var doc planDoc
	if err := loadState(tc, "plan", &doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}

	stageIDs := make([]string, len(doc.Stages))
	stageKeys := make([]string, len(doc.Stages))
	for i, s := range doc.Stages {
		stageIDs[i], stageKeys[i] = s.ID, s.Key
	}

	updated := 0
	for i, raw := range patches {
		patch, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("%w: patch %d malformed", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		}
		stageIdx, result := findByIDThenKey(stageIDs, stageKeys,
			stringArg(patch, "stage_id"), stringArg(patch, "stage_key"))
		switch result {
		case matchAmbiguous:
			err := fmt.Errorf("%w: patch %d matches multiple stages", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		case matchNone:
			trace.warn("patch %d stage not found", i)
			trace.count("skipped_missing", 1)
			continue
		}
		stage := &doc.Stages[stageIdx]

		taskID := stringArg(patch, "task_id")
		taskKey := stringArg(patch, "task_key")
		if taskID == "" && taskKey == "" {
			// Stage-level patch.
			if key, present := patch["new_key"]; present {
				stage.Key, _ = key.(string)
				stageKeys[stageIdx] = stage.Key
			}
			updated++
			continue
		}

		taskIDs := make([]string, len(stage.Tasks))
		taskKeys := make([]string, len(stage.Tasks))
		for j, task := range stage.Tasks {
			taskIDs[j], taskKeys[j] = task.ID, task.Key
		}
		taskIdx, result := findByIDThenKey(taskIDs, taskKeys, taskID, taskKey)
		switch result {
		case matchAmbiguous:
			err := fmt.Errorf("%w: patch %d matches multiple tasks", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		case matchNone:
			trace.warn("patch %d task not found", i)
			trace.count("skipped_missing", 1)
			continue
		}
		task := &stage.Tasks[taskIdx]
		if body, present := patch["body"]; present {
			task.Body, _ = body.(string)
		}
		if status, present := patch["status"]; present {
			task.Status, _ = status.(string)
		}
		updated++
	}

	if err := saveState(tc, "plan", doc); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("updated", updated)
	return trace, nil
}
