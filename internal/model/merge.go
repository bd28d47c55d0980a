package model

// MergeAnalyses combines the per-chunk analyses of one file into a single
// result. Entities are deduplicated by qualified name and relationships by
// (source, target, type); the first occurrence wins, so overlap regions do
// not double-report.
func MergeAnalyses(absPath string, parts []*FileAnalysis) *FileAnalysis {
	merged := &FileAnalysis{FilePath: absPath}
	seenEntities := map[string]bool{}
	seenRels := map[string]bool{}
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, e := range p.Entities {
			k := e.Key()
			if seenEntities[k] {
				continue
			}
			seenEntities[k] = true
			merged.Entities = append(merged.Entities, e)
		}
		for _, r := range p.Relationships {
			k := r.Key()
			if seenRels[k] {
				continue
			}
			seenRels[k] = true
			merged.Relationships = append(merged.Relationships, r)
		}
	}
	return merged
}
