package graphdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/vsavkov/codegraph/internal/model"
	"github.com/vsavkov/codegraph/internal/store"
)

// Plan is the prepared projection of one batch: refactorings first, then node
// buckets, then relationship buckets. Statement order inside a plan is fixed
// because renames must land before the nodes that reference the new paths,
// and nodes before the edges that connect them.
type Plan struct {
	statements []Statement

	// ResultIDs are the analysis rows this plan ingests; marked ingested only
	// after the graph transaction commits.
	ResultIDs []int64
	// InvalidResultIDs failed parse or allow-list checks and are excluded
	// from the graph; they transition to validation_failed instead.
	InvalidResultIDs []int64
	// TaskIDs are the refactoring tasks applied by this plan.
	TaskIDs []int64

	Nodes         int
	Relationships int
}

// Statements returns the ordered Cypher batch.
func (p *Plan) Statements() []Statement { return p.statements }

// Empty reports whether the plan would touch the graph or the stores at all.
func (p *Plan) Empty() bool {
	return len(p.statements) == 0 && len(p.ResultIDs) == 0 && len(p.InvalidResultIDs) == 0
}

// BuildPlan prepares one batch. Results that fail JSON parsing or the
// allow-list check are skipped with a log line and recorded for the
// validation_failed transition; they never abort the batch.
func BuildPlan(results []store.AnalysisResult, tasks []store.RefactoringTask, logger *log.Logger) *Plan {
	p := &Plan{}

	for _, t := range tasks {
		p.TaskIDs = append(p.TaskIDs, t.ID)
		switch t.Kind {
		case store.RefactoringDelete:
			p.statements = append(p.statements, deleteStatement(t.OldAbsolutePath))
		case store.RefactoringRename:
			p.statements = append(p.statements, renameStatement(t.OldAbsolutePath, t.NewAbsolutePath))
		}
	}

	nodesByLabel := map[model.EntityKind][]map[string]any{}
	relsByType := map[model.RelationshipType][]map[string]any{}

	for _, r := range results {
		var analysis model.FileAnalysis
		if err := json.Unmarshal([]byte(r.LLMOutput), &analysis); err != nil {
			logger.Printf("result %d (%s): unparsable payload, skipping: %v", r.ID, r.AbsoluteFilePath, err)
			p.InvalidResultIDs = append(p.InvalidResultIDs, r.ID)
			continue
		}
		analysis.Normalize(r.AbsoluteFilePath)
		if err := analysis.CheckAllowLists(); err != nil {
			logger.Printf("result %d (%s): %v, skipping", r.ID, r.AbsoluteFilePath, err)
			p.InvalidResultIDs = append(p.InvalidResultIDs, r.ID)
			continue
		}
		p.ResultIDs = append(p.ResultIDs, r.ID)

		for _, e := range analysis.Entities {
			nodesByLabel[e.Type] = append(nodesByLabel[e.Type], nodeProps(e))
			p.Nodes++
		}
		for _, rel := range analysis.Relationships {
			relsByType[rel.Type] = append(relsByType[rel.Type], relRow(rel))
			p.Relationships++
		}
	}

	// Stable bucket order keeps plans deterministic.
	for _, label := range model.EntityKinds() {
		batch := nodesByLabel[label]
		if len(batch) == 0 {
			continue
		}
		p.statements = append(p.statements, nodeUpsertStatement(label, batch))
	}
	for _, relType := range model.RelationshipTypes() {
		batch := relsByType[relType]
		if len(batch) == 0 {
			continue
		}
		p.statements = append(p.statements, relUpsertStatement(relType, batch))
	}
	return p
}

func deleteStatement(path string) Statement {
	return Statement{
		Query:  `MATCH (n {filePath: $path}) DETACH DELETE n`,
		Params: map[string]any{"path": path},
	}
}

// renameStatement repoints filePath and rewrites qualifiedName: a File node
// keyed by the path itself takes the new path, member nodes get their
// "<path>--" prefix replaced.
func renameStatement(oldPath, newPath string) Statement {
	return Statement{
		Query: `MATCH (n {filePath: $old})
SET n.filePath = $new,
    n.qualifiedName = CASE WHEN n.qualifiedName = $old THEN $new
                           ELSE replace(n.qualifiedName, $old + '--', $new + '--') END`,
		Params: map[string]any{"old": oldPath, "new": newPath},
	}
}

// nodeUpsertStatement MERGEs one label bucket on the qualifiedName identity
// property. The label has passed the allow-list check, which is the sole
// defense for this interpolation: Cypher cannot parameterize labels.
func nodeUpsertStatement(label model.EntityKind, batch []map[string]any) Statement {
	return Statement{
		Query: fmt.Sprintf(
			`UNWIND $batch AS p MERGE (n:%s {qualifiedName: p.qualifiedName}) SET n += p`, label),
		Params: map[string]any{"batch": batch},
	}
}

// relUpsertStatement MERGEs one relationship-type bucket. Rows whose
// endpoints are missing match nothing and drop silently; a dangling edge is
// worse than a missing one.
func relUpsertStatement(relType model.RelationshipType, batch []map[string]any) Statement {
	return Statement{
		Query: fmt.Sprintf(
			`UNWIND $batch AS r
MATCH (a {qualifiedName: r.source})
MATCH (b {qualifiedName: r.target})
MERGE (a)-[e:%s]->(b)
SET e += r.props`, relType),
		Params: map[string]any{"batch": batch},
	}
}

func nodeProps(e model.Entity) map[string]any {
	props := map[string]any{
		"qualifiedName": e.QualifiedName,
		"name":          e.Name,
		"filePath":      e.FilePath,
	}
	if e.StartLine > 0 {
		props["startLine"] = e.StartLine
	}
	if e.EndLine > 0 {
		props["endLine"] = e.EndLine
	}
	if e.IsExported {
		props["isExported"] = true
	}
	if e.Signature != "" {
		props["signature"] = e.Signature
	}
	return props
}

func relRow(r model.Relationship) map[string]any {
	props := map[string]any{}
	if r.Confidence > 0 {
		props["confidence"] = r.Confidence
	}
	if r.Reason != "" {
		props["reason"] = r.Reason
	}
	if r.Details != "" {
		props["details"] = r.Details
	}
	if r.LineNumber > 0 {
		props["lineNumber"] = r.LineNumber
	}
	return map[string]any{
		"source": r.SourceQualifiedName,
		"target": r.TargetQualifiedName,
		"props":  props,
	}
}

// IngestStats summarizes one ingestor run.
type IngestStats struct {
	Batches       int
	Results       int
	Invalid       int
	Refactorings  int
	Nodes         int
	Relationships int
}

// Ingestor drains pending analysis results and refactoring tasks into the
// graph, one transaction per batch. Single-threaded by design; sequential
// batches avoid MERGE lock contention on shared nodes.
type Ingestor struct {
	runner    CypherRunner
	store     *store.Store
	batchSize int
	logger    *log.Logger
}

// NewIngestor wires an ingestor. batchSize bounds results per transaction.
func NewIngestor(runner CypherRunner, st *store.Store, batchSize int, logger *log.Logger) *Ingestor {
	return &Ingestor{runner: runner, store: st, batchSize: batchSize, logger: logger}
}

// Run processes batches until nothing is pending. A graph failure aborts the
// run and leaves all relational rows untouched, so the same batch is retried
// next run.
func (g *Ingestor) Run(ctx context.Context) (*IngestStats, error) {
	stats := &IngestStats{}

	tasks, err := g.store.PendingRefactoringTasks(ctx)
	if err != nil {
		return stats, fmt.Errorf("load refactoring tasks: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		results, err := g.store.PendingResults(ctx, g.batchSize)
		if err != nil {
			return stats, fmt.Errorf("load pending results: %w", err)
		}
		if len(results) == 0 && len(tasks) == 0 {
			return stats, nil
		}

		plan := BuildPlan(results, tasks, g.logger)
		if err := g.runner.RunWrite(ctx, plan.Statements()); err != nil {
			return stats, fmt.Errorf("graph commit: %w", err)
		}

		// Graph committed; only now do the relational rows transition.
		if err := g.store.MarkResultsIngested(ctx, plan.ResultIDs); err != nil {
			return stats, fmt.Errorf("mark ingested: %w", err)
		}
		for _, id := range plan.InvalidResultIDs {
			if err := g.store.MarkResultValidationFailed(ctx, id); err != nil {
				return stats, fmt.Errorf("mark validation failed: %w", err)
			}
		}
		if err := g.store.MarkRefactoringTasksCompleted(ctx, plan.TaskIDs); err != nil {
			return stats, fmt.Errorf("mark refactorings completed: %w", err)
		}

		stats.Batches++
		stats.Results += len(plan.ResultIDs)
		stats.Invalid += len(plan.InvalidResultIDs)
		stats.Refactorings += len(plan.TaskIDs)
		stats.Nodes += plan.Nodes
		stats.Relationships += plan.Relationships
		g.logger.Printf("batch %d: %d results, %d nodes, %d relationships, %d refactorings, %d invalid",
			stats.Batches, len(plan.ResultIDs), plan.Nodes, plan.Relationships, len(plan.TaskIDs), len(plan.InvalidResultIDs))

		// Refactorings apply once, in the first batch.
		tasks = nil
	}
}
