// Package model defines the closed vocabulary of the knowledge graph: entity
// kinds, relationship types, qualified names, and the validated shape of an
// LLM analysis result. Kinds and types are fixed allow-lists; membership is
// checked again at the graph projection boundary because Cypher labels and
// relationship types cannot be parameterized.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntityKind is a graph node label.
type EntityKind string

const (
	KindFunction EntityKind = "Function"
	KindClass    EntityKind = "Class"
	KindVariable EntityKind = "Variable"
	KindFile     EntityKind = "File"
	KindDatabase EntityKind = "Database"
	KindTable    EntityKind = "Table"
	KindView     EntityKind = "View"
)

// RelationshipType is a graph edge type.
type RelationshipType string

const (
	RelContains   RelationshipType = "CONTAINS"
	RelCalls      RelationshipType = "CALLS"
	RelUses       RelationshipType = "USES"
	RelImports    RelationshipType = "IMPORTS"
	RelExports    RelationshipType = "EXPORTS"
	RelExtends    RelationshipType = "EXTENDS"
	RelImplements RelationshipType = "IMPLEMENTS"
	RelDefines    RelationshipType = "DEFINES"
	RelReferences RelationshipType = "REFERENCES"
	RelDependsOn  RelationshipType = "DEPENDS_ON"
)

var entityKinds = map[EntityKind]bool{
	KindFunction: true,
	KindClass:    true,
	KindVariable: true,
	KindFile:     true,
	KindDatabase: true,
	KindTable:    true,
	KindView:     true,
}

var relationshipTypes = map[RelationshipType]bool{
	RelContains:   true,
	RelCalls:      true,
	RelUses:       true,
	RelImports:    true,
	RelExports:    true,
	RelExtends:    true,
	RelImplements: true,
	RelDefines:    true,
	RelReferences: true,
	RelDependsOn:  true,
}

// ValidEntityKind reports allow-list membership. Matching is case-sensitive:
// the schema already requires the canonical spelling, and anything else must
// not reach Cypher.
func ValidEntityKind(k EntityKind) bool { return entityKinds[k] }

// ValidRelationshipType reports allow-list membership.
func ValidRelationshipType(t RelationshipType) bool { return relationshipTypes[t] }

// EntityKinds returns the allow-list in a stable order, for prompts and docs.
func EntityKinds() []EntityKind {
	return []EntityKind{KindFunction, KindClass, KindVariable, KindFile, KindDatabase, KindTable, KindView}
}

// RelationshipTypes returns the allow-list in a stable order.
func RelationshipTypes() []RelationshipType {
	return []RelationshipType{
		RelContains, RelCalls, RelUses, RelImports, RelExports,
		RelExtends, RelImplements, RelDefines, RelReferences, RelDependsOn,
	}
}

// QualifiedName builds the canonical identity key for a POI local to a file:
// "<absolute-file-path>--<entity-name>". File POIs use the absolute path
// itself; external dependencies use "<module>--<name>".
func QualifiedName(absPath, entityName string) string {
	return absPath + "--" + entityName
}

// ExternalQualifiedName keys a POI belonging to an external module.
func ExternalQualifiedName(module, entityName string) string {
	return module + "--" + entityName
}

// RewriteQualifiedName repoints a qualified name from an old absolute path to
// a new one. File POIs (key == old path) map to the new path; member POIs get
// their prefix replaced. Names not rooted at oldPath are returned unchanged.
func RewriteQualifiedName(qn, oldPath, newPath string) string {
	if qn == oldPath {
		return newPath
	}
	if strings.HasPrefix(qn, oldPath+"--") {
		return newPath + strings.TrimPrefix(qn, oldPath)
	}
	return qn
}

// Entity is one point of interest extracted from a file.
type Entity struct {
	Type          EntityKind `json:"type"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualifiedName,omitempty"`
	FilePath      string     `json:"filePath,omitempty"`
	StartLine     int        `json:"startLine,omitempty"`
	EndLine       int        `json:"endLine,omitempty"`
	IsExported    bool       `json:"isExported,omitempty"`
	Signature     string     `json:"signature,omitempty"`
}

// Key returns the entity's identity. Entities that only carried a filePath
// (the legacy keying) are normalized to the qualifiedName form.
func (e Entity) Key() string {
	if e.QualifiedName != "" {
		return e.QualifiedName
	}
	if e.Type == KindFile {
		return e.FilePath
	}
	return QualifiedName(e.FilePath, e.Name)
}

// Relationship is a typed edge between two POIs.
type Relationship struct {
	SourceQualifiedName string           `json:"source_qualifiedName"`
	TargetQualifiedName string           `json:"target_qualifiedName"`
	Type                RelationshipType `json:"type"`
	Details             string           `json:"details,omitempty"`
	Confidence          float64          `json:"confidence,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	LineNumber          int              `json:"lineNumber,omitempty"`
}

// relationshipWire accepts both the canonical flat form and the nested
// {from,to,type} form some model outputs use, normalizing to the flat one.
type relationshipWire struct {
	SourceQualifiedName string           `json:"source_qualifiedName"`
	TargetQualifiedName string           `json:"target_qualifiedName"`
	From                string           `json:"from"`
	To                  string           `json:"to"`
	Type                RelationshipType `json:"type"`
	Details             string           `json:"details"`
	Confidence          float64          `json:"confidence"`
	Reason              string           `json:"reason"`
	LineNumber          int              `json:"lineNumber"`
}

func (r *Relationship) UnmarshalJSON(data []byte) error {
	var w relationshipWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	src := w.SourceQualifiedName
	if src == "" {
		src = w.From
	}
	dst := w.TargetQualifiedName
	if dst == "" {
		dst = w.To
	}
	*r = Relationship{
		SourceQualifiedName: src,
		TargetQualifiedName: dst,
		Type:                w.Type,
		Details:             w.Details,
		Confidence:          w.Confidence,
		Reason:              w.Reason,
		LineNumber:          w.LineNumber,
	}
	return nil
}

// Key identifies a relationship for dedupe purposes.
func (r Relationship) Key() string {
	return r.SourceQualifiedName + "\x00" + r.TargetQualifiedName + "\x00" + string(r.Type)
}

// FileAnalysis is the validated root of one LLM response.
type FileAnalysis struct {
	FilePath      string         `json:"filePath"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Normalize fills derived fields after schema validation: entities lacking a
// qualifiedName get one from the absolute path, File entities are keyed by
// the path itself, and relationship confidences are clamped to [0,1].
func (a *FileAnalysis) Normalize(absPath string) {
	if a.FilePath == "" {
		a.FilePath = absPath
	}
	for i := range a.Entities {
		e := &a.Entities[i]
		if e.FilePath == "" {
			e.FilePath = absPath
		}
		if e.QualifiedName == "" {
			if e.Type == KindFile {
				e.QualifiedName = e.FilePath
			} else {
				e.QualifiedName = QualifiedName(absPath, e.Name)
			}
		}
	}
	for i := range a.Relationships {
		r := &a.Relationships[i]
		if r.Confidence < 0 {
			r.Confidence = 0
		}
		if r.Confidence > 1 {
			r.Confidence = 1
		}
	}
}

// CheckAllowLists verifies every entity kind and relationship type against
// the closed vocabulary. The first violation is returned.
func (a *FileAnalysis) CheckAllowLists() error {
	for _, e := range a.Entities {
		if !ValidEntityKind(e.Type) {
			return fmt.Errorf("entity %q: kind %q is not in the allow-list", e.Name, e.Type)
		}
	}
	for _, r := range a.Relationships {
		if !ValidRelationshipType(r.Type) {
			return fmt.Errorf("relationship %s -> %s: type %q is not in the allow-list",
				r.SourceQualifiedName, r.TargetQualifiedName, r.Type)
		}
	}
	return nil
}
