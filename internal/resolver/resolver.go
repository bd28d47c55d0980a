// Package resolver runs the three relationship passes over already-ingested
// points of interest: intra-file, intra-directory, then global across
// exported POIs. Each pass persists what it finds as a pending result batch,
// picked up by the next ingest. A failed LLM query yields an empty set for
// that query, never an aborted run.
package resolver

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/vsavkov/codegraph/internal/analyzer"
	"github.com/vsavkov/codegraph/internal/llm"
	"github.com/vsavkov/codegraph/internal/model"
	"github.com/vsavkov/codegraph/internal/store"
)

//go:embed resolver_prompt.tmpl
var resolverPromptTmpl string

var resolverPrompt = template.Must(template.New("resolver").Parse(resolverPromptTmpl))

const resolverSystemPrompt = `You are a static analysis engine that infers typed relationships between known code entities. You respond only with JSON in the requested shape.`

// passInstructions keeps the per-pass guidance as data.
var passInstructions = map[string]string{
	"intra_file":      `All points of interest below belong to one source file. Identify relationships among them: calls, uses, containment, definition.`,
	"intra_directory": `The points of interest below belong to files in one directory, grouped by file. Focus on cross-file relationships: imports, calls, and uses between files.`,
	"global":          `The points of interest below are the exported entities of an entire project, grouped by directory. Identify long-range relationships, such as a route handler referencing a service, or a module depending on another module's exports.`,
}

// Pass names, in execution order.
const (
	PassIntraFile = "intra_file"
	PassIntraDir  = "intra_directory"
	PassGlobal    = "global"
)

// poisLoadLimit bounds how many ingested rows feed the resolver.
const poisLoadLimit = 100000

// Config selects the model used for resolution queries.
type Config struct {
	Provider string
	Model    string
}

// Stats reports persisted relationship counts per pass.
type Stats struct {
	IntraFile int
	IntraDir  int
	Global    int
	Queries   int
	Failures  int
}

// Resolver owns the three passes. Dependencies are injected; it holds no
// global state.
type Resolver struct {
	store  *store.Store
	llm    llm.Completer
	cfg    Config
	logger *log.Logger
}

// New wires a resolver.
func New(st *store.Store, completer llm.Completer, cfg Config, logger *log.Logger) *Resolver {
	return &Resolver{store: st, llm: completer, cfg: cfg, logger: logger}
}

// poi is one resolvable point of interest.
type poi struct {
	QualifiedName string
	Kind          model.EntityKind
	FilePath      string
	IsExported    bool
}

// Run executes passes 1 through 3 in order. Duplicate (source, target, type)
// triples across passes are dropped; the first pass to emit one wins.
func (r *Resolver) Run(ctx context.Context) (*Stats, error) {
	pois, seen, err := r.loadPOIs(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	if len(pois) == 0 {
		return stats, nil
	}

	byFile := map[string][]poi{}
	for _, p := range pois {
		byFile[p.FilePath] = append(byFile[p.FilePath], p)
	}

	// Pass 1: one query per file holding at least two POIs.
	for _, file := range sortedKeys(byFile) {
		filePois := byFile[file]
		if len(filePois) < 2 {
			continue
		}
		found := r.query(ctx, PassIntraFile, listPOIs(filePois), seen, stats)
		stats.IntraFile += len(found)
		if err := r.persist(ctx, PassIntraFile, file, found); err != nil {
			return stats, err
		}
	}

	// Pass 2: one query per directory with at least two files.
	byDir := map[string][]string{}
	for file := range byFile {
		dir := filepath.Dir(file)
		byDir[dir] = append(byDir[dir], file)
	}
	for _, dir := range sortedKeys(byDir) {
		files := byDir[dir]
		if len(files) < 2 {
			continue
		}
		sort.Strings(files)
		var sb strings.Builder
		for _, file := range files {
			fmt.Fprintf(&sb, "## %s\n%s", file, listPOIs(byFile[file]))
		}
		found := r.query(ctx, PassIntraDir, sb.String(), seen, stats)
		stats.IntraDir += len(found)
		if err := r.persist(ctx, PassIntraDir, dir, found); err != nil {
			return stats, err
		}
	}

	// Pass 3: one query over every exported POI, grouped by directory.
	exportedByDir := map[string][]poi{}
	for _, p := range pois {
		if p.IsExported {
			dir := filepath.Dir(p.FilePath)
			exportedByDir[dir] = append(exportedByDir[dir], p)
		}
	}
	if len(exportedByDir) > 1 {
		var sb strings.Builder
		for _, dir := range sortedKeys(exportedByDir) {
			fmt.Fprintf(&sb, "## %s\n%s", dir, listPOIs(exportedByDir[dir]))
		}
		found := r.query(ctx, PassGlobal, sb.String(), seen, stats)
		stats.Global += len(found)
		if err := r.persist(ctx, PassGlobal, "project", found); err != nil {
			return stats, err
		}
	}

	r.logger.Printf("resolved relationships: %d intra-file, %d intra-directory, %d global (%d queries, %d failures)",
		stats.IntraFile, stats.IntraDir, stats.Global, stats.Queries, stats.Failures)
	return stats, nil
}

// loadPOIs collects entities from ingested results, deduplicated by
// qualifiedName, plus the set of relationship keys already known so passes
// do not re-emit them.
func (r *Resolver) loadPOIs(ctx context.Context) ([]poi, map[string]bool, error) {
	rows, err := r.store.ResultsByStatus(ctx, store.ResultIngested, poisLoadLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load ingested results: %w", err)
	}
	var pois []poi
	seenPOI := map[string]bool{}
	seenRel := map[string]bool{}
	for _, row := range rows {
		var analysis model.FileAnalysis
		if err := json.Unmarshal([]byte(row.LLMOutput), &analysis); err != nil {
			continue
		}
		analysis.Normalize(row.AbsoluteFilePath)
		for _, e := range analysis.Entities {
			if seenPOI[e.QualifiedName] {
				continue
			}
			seenPOI[e.QualifiedName] = true
			pois = append(pois, poi{
				QualifiedName: e.QualifiedName,
				Kind:          e.Type,
				FilePath:      e.FilePath,
				IsExported:    e.IsExported,
			})
		}
		for _, rel := range analysis.Relationships {
			seenRel[rel.Key()] = true
		}
	}
	return pois, seenRel, nil
}

// query runs one LLM call for one pass scope and returns the accepted, not
// previously seen relationships. Failures log and return nil.
func (r *Resolver) query(ctx context.Context, pass, poiListing string, seen map[string]bool, stats *Stats) []model.Relationship {
	stats.Queries++
	user := renderPrompt(pass, poiListing)
	resp, err := r.llm.Complete(ctx, llm.Request{
		Provider: r.cfg.Provider,
		Model:    r.cfg.Model,
		System:   resolverSystemPrompt,
		User:     user,
	})
	if err != nil {
		r.logger.Printf("%s query failed: %v (empty set for this scope)", pass, err)
		stats.Failures++
		return nil
	}

	var parsed struct {
		Relationships []model.Relationship `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(analyzer.Sanitize(resp.Body)), &parsed); err != nil {
		r.logger.Printf("%s response unparsable: %v (empty set for this scope)", pass, err)
		stats.Failures++
		return nil
	}

	var accepted []model.Relationship
	for _, rel := range parsed.Relationships {
		if !model.ValidRelationshipType(rel.Type) {
			r.logger.Printf("%s: dropping relationship with type %q", pass, rel.Type)
			continue
		}
		if rel.SourceQualifiedName == "" || rel.TargetQualifiedName == "" {
			continue
		}
		k := rel.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		accepted = append(accepted, rel)
	}
	return accepted
}

// persist writes one pass scope's relationships as a pending result batch so
// the next ingest projects them with the same idempotent MERGE path.
func (r *Resolver) persist(ctx context.Context, pass, scope string, rels []model.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	payload, err := json.Marshal(&model.FileAnalysis{
		FilePath:      "resolver:" + pass,
		Entities:      []model.Entity{},
		Relationships: rels,
	})
	if err != nil {
		return fmt.Errorf("encode %s relationships: %w", pass, err)
	}
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.InsertAnalysisResultTx(ctx, tx, &store.AnalysisResult{
			FilePath:           "resolver:" + pass + ":" + scope,
			AbsoluteFilePath:   "resolver:" + pass,
			LLMOutput:          string(payload),
			Status:             store.ResultPendingIngestion,
			ValidationPassed:   true,
			RelationshipsCount: len(rels),
		})
	})
}

func renderPrompt(pass, poiListing string) string {
	var buf bytes.Buffer
	_ = resolverPrompt.Execute(&buf, struct {
		PassInstructions  string
		POIs              string
		RelationshipTypes string
	}{passInstructions[pass], poiListing, joinRelTypes()})
	return buf.String()
}

func listPOIs(pois []poi) string {
	sorted := append([]poi(nil), pois...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QualifiedName < sorted[j].QualifiedName })
	var sb strings.Builder
	for _, p := range sorted {
		fmt.Fprintf(&sb, "%s | %s | %t\n", p.QualifiedName, p.Kind, p.IsExported)
	}
	return sb.String()
}

func joinRelTypes() string {
	types := model.RelationshipTypes()
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
