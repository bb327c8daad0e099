// Package decomposer expands a Task into a DAG of Subtasks from a
// workflow template, validates the DAG for cycles and dangling
// dependencies, and answers "which subtasks are ready to run" queries.
// The full DAG is inserted transactionally or not at all.
package decomposer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/store"
)

// SubtaskTemplate is one node in a workflow template, referencing its
// dependencies by template-local name so the same template can be
// instantiated for many tasks.
type SubtaskTemplate struct {
	Name            string
	Description     string
	Type            model.SubtaskType
	DependsOn       []string
	RecommendedTool string
	Complexity      int
	Priority        int
}

// WorkflowTemplate is a named, reusable DAG shape.
type WorkflowTemplate struct {
	Name     string
	Subtasks []SubtaskTemplate
}

// Registry holds the built-in workflow templates keyed by TaskType.
type Registry struct {
	templates map[model.TaskType]WorkflowTemplate
}

func NewRegistry() *Registry {
	r := &Registry{templates: make(map[model.TaskType]WorkflowTemplate)}
	r.Register(model.TaskDevelopFeature, defaultFeatureTemplate())
	r.Register(model.TaskBugFix, defaultBugFixTemplate())
	r.Register(model.TaskRefactor, defaultRefactorTemplate())
	r.Register(model.TaskCodeReview, defaultReviewTemplate())
	r.Register(model.TaskDocumentation, defaultDocsTemplate())
	r.Register(model.TaskTesting, defaultTestingTemplate())
	return r
}

func (r *Registry) Register(t model.TaskType, tmpl WorkflowTemplate) {
	r.templates[t] = tmpl
}

func (r *Registry) Lookup(t model.TaskType) (WorkflowTemplate, bool) {
	tmpl, ok := r.templates[t]
	return tmpl, ok
}

// Decomposer expands tasks into persisted subtask DAGs.
type Decomposer struct {
	store     store.Store
	registry  *Registry
	templates *TemplateSource
}

func New(s store.Store, r *Registry) *Decomposer {
	return &Decomposer{store: s, registry: r, templates: NewTemplateSource(s)}
}

// Decompose validates and persists a task's subtask DAG exactly once; a
// second call for the same task returns the existing DAG, so retried
// decomposition requests are harmless.
func (d *Decomposer) Decompose(ctx context.Context, task *model.Task) ([]*model.Subtask, error) {
	existing, err := d.store.ListSubtasksByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	tmpl, ok := d.registry.Lookup(task.Type)
	if !ok {
		return nil, orcherr.Validation("no workflow template registered for task type %s", task.Type)
	}

	subtasks, err := instantiate(task.ID, tmpl)
	if err != nil {
		return nil, err
	}
	if err := ValidateDAG(subtasks); err != nil {
		return nil, err
	}
	if err := d.store.InsertSubtaskDAG(ctx, task.ID, subtasks); err != nil {
		return nil, err
	}
	return subtasks, nil
}

// DecomposeNamed expands a task from a stored workflow template instead
// of the built-in registry, counting the application. The record's
// defaults (checkpoint frequency, privacy, preferred tools) are adopted
// by the task only where the task left them unset.
func (d *Decomposer) DecomposeNamed(ctx context.Context, task *model.Task, templateName string) ([]*model.Subtask, error) {
	existing, err := d.store.ListSubtasksByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	tmpl, rec, err := d.templates.Load(ctx, templateName)
	if err != nil {
		return nil, err
	}
	if task.CheckpointFrequency == "" && rec.CheckpointFrequency != "" {
		task.CheckpointFrequency = model.CheckpointFrequency(rec.CheckpointFrequency)
	}
	if task.PrivacyLevel == "" && rec.PrivacyLevel != "" {
		task.PrivacyLevel = model.PrivacyLevel(rec.PrivacyLevel)
	}
	if len(task.ToolPreferences) == 0 {
		task.ToolPreferences = rec.PreferredTools
	}

	subtasks, err := instantiate(task.ID, tmpl)
	if err != nil {
		return nil, err
	}
	if err := ValidateDAG(subtasks); err != nil {
		return nil, err
	}
	if err := d.store.InsertSubtaskDAG(ctx, task.ID, subtasks); err != nil {
		return nil, err
	}
	return subtasks, nil
}

// instantiate materializes template-local names into persisted subtask
// ids, rewriting DependsOn from template names to those ids.
func instantiate(taskID string, tmpl WorkflowTemplate) ([]*model.Subtask, error) {
	nameToID := make(map[string]string, len(tmpl.Subtasks))
	for _, t := range tmpl.Subtasks {
		nameToID[t.Name] = uuid.NewString()
	}

	out := make([]*model.Subtask, 0, len(tmpl.Subtasks))
	for _, t := range tmpl.Subtasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, depName := range t.DependsOn {
			depID, ok := nameToID[depName]
			if !ok {
				return nil, orcherr.CycleDetected("template %s: %s depends on unknown step %s", tmpl.Name, t.Name, depName)
			}
			deps = append(deps, depID)
		}
		out = append(out, &model.Subtask{
			ID:              nameToID[t.Name],
			TaskID:          taskID,
			Name:            t.Name,
			Description:     t.Description,
			Type:            t.Type,
			Status:          model.SubtaskStatusPending,
			Dependencies:    deps,
			RecommendedTool: t.RecommendedTool,
			Complexity:      t.Complexity,
			Priority:        t.Priority,
		})
	}
	return out, nil
}

// ValidateDAG rejects cycles and dependencies on subtasks absent from
// the same set: a subtask with no resolvable topological depth is part
// of a cycle.
func ValidateDAG(subtasks []*model.Subtask) error {
	byID := make(map[string]*model.Subtask, len(subtasks))
	for _, s := range subtasks {
		byID[s.ID] = s
	}
	for _, s := range subtasks {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return orcherr.CycleDetected("subtask %s depends on unknown subtask %s", s.ID, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(subtasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return orcherr.CycleDetected("dependency cycle detected at subtask %s", id)
		}
		state[id] = visiting
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range subtasks {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReadySubtasks returns every pending subtask whose dependencies are all
// completed. "Ready" excludes anything already queued or in progress;
// allocation state lives in the store, not here.
func ReadySubtasks(subtasks []*model.Subtask, completed map[string]struct{}) []*model.Subtask {
	var ready []*model.Subtask
	for _, s := range subtasks {
		if s.Status != model.SubtaskStatusPending {
			continue
		}
		if model.DependenciesSatisfied(s.Dependencies, completed) {
			ready = append(ready, s)
		}
	}
	return ready
}

// Fingerprint identifies a DAG shape for diagnostics/logging without
// dumping the whole structure.
func Fingerprint(subtasks []*model.Subtask) string {
	return fmt.Sprintf("%d subtasks", len(subtasks))
}
