package decomposer

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

// The built-in templates, one per task type. The happy path for
// develop_feature matches the canonical four-stage flow: generation,
// review, tests and docs, with review and docs fanning out from the
// generation/review chain.

func defaultFeatureTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "develop_feature", Subtasks: []SubtaskTemplate{
		{Name: "Code Generation", Type: model.SubtaskCodeGeneration, Description: "implement the feature", RecommendedTool: "claude_code", Complexity: 4, Priority: 5},
		{Name: "Code Review", Type: model.SubtaskCodeReview, Description: "review the generated change", DependsOn: []string{"Code Generation"}, RecommendedTool: "claude_code", Complexity: 2, Priority: 4},
		{Name: "Test Generation", Type: model.SubtaskTest, Description: "write and run tests", DependsOn: []string{"Code Review"}, RecommendedTool: "claude_code", Complexity: 3, Priority: 3},
		{Name: "Documentation", Type: model.SubtaskDocumentation, Description: "update documentation", DependsOn: []string{"Code Review"}, RecommendedTool: "claude_code", Complexity: 1, Priority: 2},
	}}
}

func defaultBugFixTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "bug_fix", Subtasks: []SubtaskTemplate{
		{Name: "Reproduce", Type: model.SubtaskAnalysis, Description: "reproduce and isolate the defect", Complexity: 2, Priority: 6},
		{Name: "Fix", Type: model.SubtaskCodeFix, Description: "apply the fix", DependsOn: []string{"Reproduce"}, RecommendedTool: "claude_code", Complexity: 3, Priority: 6},
		{Name: "Regression Test", Type: model.SubtaskTest, Description: "regression test the fix", DependsOn: []string{"Fix"}, RecommendedTool: "claude_code", Complexity: 2, Priority: 5},
	}}
}

func defaultRefactorTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "refactor", Subtasks: []SubtaskTemplate{
		{Name: "Analysis", Type: model.SubtaskAnalysis, Description: "map the refactor's blast radius", Complexity: 3, Priority: 4},
		{Name: "Refactor", Type: model.SubtaskCodeGeneration, Description: "perform the refactor", DependsOn: []string{"Analysis"}, RecommendedTool: "claude_code", Complexity: 4, Priority: 4},
		{Name: "Verify", Type: model.SubtaskTest, Description: "confirm behavior is unchanged", DependsOn: []string{"Refactor"}, RecommendedTool: "claude_code", Complexity: 3, Priority: 4},
	}}
}

func defaultReviewTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "code_review", Subtasks: []SubtaskTemplate{
		{Name: "Review", Type: model.SubtaskCodeReview, Description: "review the submitted change", RecommendedTool: "claude_code", Complexity: 2, Priority: 5},
	}}
}

func defaultDocsTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "documentation", Subtasks: []SubtaskTemplate{
		{Name: "Documentation", Type: model.SubtaskDocumentation, Description: "write documentation", Complexity: 1, Priority: 3},
	}}
}

func defaultTestingTemplate() WorkflowTemplate {
	return WorkflowTemplate{Name: "testing", Subtasks: []SubtaskTemplate{
		{Name: "Test Generation", Type: model.SubtaskTest, Description: "write tests for existing code", RecommendedTool: "claude_code", Complexity: 2, Priority: 4},
	}}
}

// TemplateSource loads user-defined workflow templates from the store's
// workflow_templates/template_steps tables and counts each application.
type TemplateSource struct {
	store store.Store
}

func NewTemplateSource(s store.Store) *TemplateSource {
	return &TemplateSource{store: s}
}

// Load fetches a named template record and converts it into the
// in-process template shape, recording the usage.
func (t *TemplateSource) Load(ctx context.Context, name string) (WorkflowTemplate, *store.WorkflowTemplateRecord, error) {
	rec, err := t.store.GetWorkflowTemplate(ctx, name)
	if err != nil {
		return WorkflowTemplate{}, nil, err
	}
	tmpl := WorkflowTemplate{Name: rec.Name, Subtasks: make([]SubtaskTemplate, 0, len(rec.Steps))}
	for _, step := range rec.Steps {
		tmpl.Subtasks = append(tmpl.Subtasks, SubtaskTemplate{
			Name:            step.Name,
			Description:     step.Description,
			Type:            model.SubtaskType(step.Type),
			DependsOn:       step.DependsOn,
			RecommendedTool: step.RecommendedTool,
			Complexity:      step.Complexity,
			Priority:        step.Priority,
		})
	}
	if err := t.store.IncrementTemplateUsage(ctx, name); err != nil {
		return WorkflowTemplate{}, nil, err
	}
	return tmpl, rec, nil
}
