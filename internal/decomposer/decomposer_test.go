package decomposer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/store"
)

func newTask(typ model.TaskType) *model.Task {
	return &model.Task{
		ID:          uuid.NewString(),
		Description: "test task",
		Type:        typ,
		Status:      model.TaskPending,
	}
}

func TestDecompose_FeatureTemplateShape(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, NewRegistry())
	task := newTask(model.TaskDevelopFeature)
	require.NoError(t, st.CreateTask(context.Background(), task))

	subtasks, err := d.Decompose(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, subtasks, 4)

	byName := make(map[string]*model.Subtask)
	for _, s := range subtasks {
		byName[s.Name] = s
	}
	gen := byName["Code Generation"]
	review := byName["Code Review"]
	test := byName["Test Generation"]
	docs := byName["Documentation"]
	require.NotNil(t, gen)
	require.NotNil(t, review)
	require.NotNil(t, test)
	require.NotNil(t, docs)

	require.Empty(t, gen.Dependencies)
	require.Equal(t, []string{gen.ID}, review.Dependencies)
	require.Equal(t, []string{review.ID}, test.Dependencies)
	require.Equal(t, []string{review.ID}, docs.Dependencies)

	for _, s := range subtasks {
		require.Equal(t, model.SubtaskStatusPending, s.Status)
		require.Equal(t, task.ID, s.TaskID)
	}
}

func TestDecompose_IdempotentPerTask(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, NewRegistry())
	task := newTask(model.TaskBugFix)
	require.NoError(t, st.CreateTask(context.Background(), task))

	first, err := d.Decompose(context.Background(), task)
	require.NoError(t, err)
	second, err := d.Decompose(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, second, len(first))

	ids := make(map[string]bool)
	for _, s := range first {
		ids[s.ID] = true
	}
	for _, s := range second {
		require.True(t, ids[s.ID], "re-decomposition must not mint new subtasks")
	}
}

func TestDecompose_UnknownType(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, NewRegistry())
	task := newTask("mystery")

	_, err := d.Decompose(context.Background(), task)
	require.Error(t, err)
	var oe *orcherr.Error
	require.True(t, errors.As(err, &oe))
	require.Equal(t, orcherr.CodeValidation, oe.Code)
}

func TestValidateDAG_RejectsCycle(t *testing.T) {
	a := &model.Subtask{ID: "a", Dependencies: []string{"b"}}
	b := &model.Subtask{ID: "b", Dependencies: []string{"a"}}

	err := ValidateDAG([]*model.Subtask{a, b})
	require.Error(t, err)
	var oe *orcherr.Error
	require.True(t, errors.As(err, &oe))
	require.Equal(t, orcherr.CodeCycleDetected, oe.Code)
}

func TestValidateDAG_RejectsDanglingDependency(t *testing.T) {
	a := &model.Subtask{ID: "a", Dependencies: []string{"ghost"}}

	err := ValidateDAG([]*model.Subtask{a})
	require.Error(t, err)
	var oe *orcherr.Error
	require.True(t, errors.As(err, &oe))
	require.Equal(t, orcherr.CodeCycleDetected, oe.Code)
}

func TestValidateDAG_AcceptsDiamond(t *testing.T) {
	a := &model.Subtask{ID: "a"}
	b := &model.Subtask{ID: "b", Dependencies: []string{"a"}}
	c := &model.Subtask{ID: "c", Dependencies: []string{"a"}}
	d := &model.Subtask{ID: "d", Dependencies: []string{"b", "c"}}
	require.NoError(t, ValidateDAG([]*model.Subtask{a, b, c, d}))
}

func TestDecomposeNamed_CyclicTemplatePersistsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, NewRegistry())
	ctx := context.Background()

	require.NoError(t, st.SaveWorkflowTemplate(ctx, &store.WorkflowTemplateRecord{
		ID:   uuid.NewString(),
		Name: "cyclic",
		Steps: []store.TemplateStep{
			{Name: "A", Type: string(model.SubtaskAnalysis), DependsOn: []string{"B"}},
			{Name: "B", Type: string(model.SubtaskCodeGeneration), DependsOn: []string{"A"}},
		},
	}))

	task := newTask(model.TaskDevelopFeature)
	require.NoError(t, st.CreateTask(ctx, task))

	_, err := d.DecomposeNamed(ctx, task, "cyclic")
	require.Error(t, err)
	var oe *orcherr.Error
	require.True(t, errors.As(err, &oe))
	require.Equal(t, orcherr.CodeCycleDetected, oe.Code)

	persisted, err := st.ListSubtasksByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, persisted, "a rejected DAG must leave no subtasks behind")
}

func TestDecomposeNamed_AppliesTemplateDefaultsAndCountsUsage(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, NewRegistry())
	ctx := context.Background()

	require.NoError(t, st.SaveWorkflowTemplate(ctx, &store.WorkflowTemplateRecord{
		ID:                  uuid.NewString(),
		Name:                "secure-feature",
		TaskType:            string(model.TaskDevelopFeature),
		CheckpointFrequency: string(model.CheckpointFrequencyHigh),
		PrivacyLevel:        string(model.PrivacySensitive),
		PreferredTools:      []string{"claude_code"},
		Steps: []store.TemplateStep{
			{Name: "Build", Type: string(model.SubtaskCodeGeneration), Complexity: 3, Priority: 5},
			{Name: "Audit", Type: string(model.SubtaskCodeReview), DependsOn: []string{"Build"}, Complexity: 2, Priority: 4},
		},
	}))

	task := newTask(model.TaskDevelopFeature)
	task.CheckpointFrequency = ""
	task.PrivacyLevel = ""
	require.NoError(t, st.CreateTask(ctx, task))

	subtasks, err := d.DecomposeNamed(ctx, task, "secure-feature")
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	require.Equal(t, model.CheckpointFrequencyHigh, task.CheckpointFrequency)
	require.Equal(t, model.PrivacySensitive, task.PrivacyLevel)
	require.Equal(t, []string{"claude_code"}, task.ToolPreferences)

	rec, err := st.GetWorkflowTemplate(ctx, "secure-feature")
	require.NoError(t, err)
	require.Equal(t, 1, rec.UsageCount)
}

func TestReadySubtasks(t *testing.T) {
	gen := &model.Subtask{ID: "gen", Status: model.SubtaskStatusCompleted}
	review := &model.Subtask{ID: "review", Status: model.SubtaskStatusPending, Dependencies: []string{"gen"}}
	test := &model.Subtask{ID: "test", Status: model.SubtaskStatusPending, Dependencies: []string{"review"}}
	queued := &model.Subtask{ID: "queued", Status: model.SubtaskStatusQueued}

	ready := ReadySubtasks([]*model.Subtask{gen, review, test, queued}, map[string]struct{}{"gen": {}})
	require.Len(t, ready, 1)
	require.Equal(t, "review", ready[0].ID)
}
