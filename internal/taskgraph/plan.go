package taskgraph

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/crew/internal/errors"
)

// PlanFile is a YAML task plan for one workspace.
type PlanFile struct {
	// Workspace is the workspace every task is created in.
	Workspace string `yaml:"workspace"`
	// Tasks lists the plan's tasks; dependencies refer to IDs in this list.
	Tasks []PlanTask `yaml:"tasks"`
}

// PlanTask is one task entry in a PlanFile.
type PlanTask struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Objective     string   `yaml:"objective,omitempty"`
	Scope         []string `yaml:"scope,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Verify        []string `yaml:"verify,omitempty"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
}

// ImportPlan parses a YAML plan into PENDING tasks ordered so that every
// dependency precedes its dependents. Unknown dependencies, duplicate IDs
// and cycles are rejected.
func ImportPlan(r io.Reader) ([]Task, error) {
	var plan PlanFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		if err == io.EOF {
			return nil, errors.NewValidationError("plan is empty")
		}
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return plan.ToTasks()
}

// ToTasks converts the plan entries into tasks. It is exported for callers
// that build a PlanFile in code.
func (p PlanFile) ToTasks() ([]Task, error) {
	ws := strings.TrimSpace(p.Workspace)
	if ws == "" {
		return nil, errors.NewValidationError("plan workspace is required").WithField("workspace")
	}
	if len(p.Tasks) == 0 {
		return nil, errors.NewValidationError("plan has no tasks").WithField("tasks")
	}

	byID := make(map[string]Task, len(p.Tasks))
	tasks := make([]Task, 0, len(p.Tasks))
	for i, pt := range p.Tasks {
		if pt.ID == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("task %d has no id", i)).WithField("tasks.id")
		}
		if _, dup := byID[pt.ID]; dup {
			return nil, errors.NewValidationError("duplicate task id").WithField("tasks.id").WithValue(pt.ID)
		}
		t := Task{
			ID:                   pt.ID,
			Title:                pt.Title,
			Objective:            pt.Objective,
			Scope:                pt.Scope,
			AcceptanceCriteria:   pt.Acceptance,
			VerificationCommands: pt.Verify,
			Dependencies:         pt.DependsOn,
			ParallelGroup:        pt.ParallelGroup,
			WorkspaceID:          ws,
			Status:               StatusPending,
		}
		t.normalize()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		byID[t.ID] = t
		tasks = append(tasks, t)
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, errors.NewValidationError(fmt.Sprintf("task %s depends on unknown task", t.ID)).
					WithField("depends_on").WithValue(dep)
			}
		}
	}

	if cycle := DetectCycle(tasks); cycle != nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(cycle, " -> "))
	}

	ordered := make([]Task, 0, len(tasks))
	for _, level := range Levels(tasks) {
		for _, id := range level {
			ordered = append(ordered, byID[id])
		}
	}
	return ordered, nil
}

// SaveAll saves tasks in order, stopping at the first error.
func SaveAll(ctx context.Context, store Store, tasks []Task) ([]Task, error) {
	saved := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		s, err := store.Save(ctx, t)
		if err != nil {
			return saved, errors.Wrapf(err, "save %s", t.ID)
		}
		saved = append(saved, s)
	}
	return saved, nil
}
