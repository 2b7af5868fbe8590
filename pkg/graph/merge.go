package graph

import (
	"strings"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

func normalizeKeyPart(value string) string {
	return strings.ToUpper(util.CollapseWhitespace(value))
}

// EntityKey is the identity used to merge entities: the upper-cased,
// whitespace-collapsed name and category.
func EntityKey(name, category string) string {
	return normalizeKeyPart(name) + "|" + normalizeKeyPart(category)
}

func relationshipKey(r common.Relationship) string {
	predicate := strings.ToLower(util.CollapseWhitespace(r.Predicate))
	if r.SubjectID != "" && r.ObjectID != "" {
		return r.SubjectID + "|" + predicate + "|" + r.ObjectID
	}
	return "label:" + normalizeKeyPart(r.Subject) + "|" + predicate + "|" + normalizeKeyPart(r.Object)
}

// appendDescription adds desc to base unless base already contains it.
func appendDescription(base, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" || strings.Contains(base, desc) {
		return base
	}
	if base == "" {
		return desc
	}
	return base + "\n\n" + desc
}

// mentionWeightedMean averages two weights by the number of chunks that
// support each side.
func mentionWeightedMean(w1 float64, n1 int, w2 float64, n2 int) float64 {
	n1 = max(n1, 1)
	n2 = max(n2, 1)
	return (w1*float64(n1) + w2*float64(n2)) / float64(n1+n2)
}

// extractionMerger folds chunk results into one set of entities and
// relationships per document. Entities merge by EntityKey, relationships by
// endpoints and predicate. Order of first appearance is kept.
type extractionMerger struct {
	entities      []common.Entity
	entityIndex   map[string]int
	idRemap       map[string]string
	relationships []common.Relationship
	relIndex      map[string]int
}

func newExtractionMerger() *extractionMerger {
	return &extractionMerger{
		entityIndex: make(map[string]int),
		idRemap:     make(map[string]string),
		relIndex:    make(map[string]int),
	}
}

func (m *extractionMerger) add(entities []common.Entity, relationships []common.Relationship) {
	for _, e := range entities {
		key := EntityKey(e.Name, e.Category)
		idx, ok := m.entityIndex[key]
		if !ok {
			m.entityIndex[key] = len(m.entities)
			m.idRemap[e.ID] = e.ID
			m.entities = append(m.entities, e)
			continue
		}
		target := &m.entities[idx]
		m.idRemap[e.ID] = target.ID
		target.Description = appendDescription(target.Description, e.Description)
		target.ChunkIDs = store.SortedUnion(target.ChunkIDs, e.ChunkIDs)
		target.DocumentIDs = store.SortedUnion(target.DocumentIDs, e.DocumentIDs)
		target.GraphIDs = store.SortedUnion(target.GraphIDs, e.GraphIDs)
		target.Attributes = common.MergeAttributes(target.Attributes, e.Attributes)
	}

	for _, r := range relationships {
		if id, ok := m.idRemap[r.SubjectID]; ok {
			r.SubjectID = id
		}
		if id, ok := m.idRemap[r.ObjectID]; ok {
			r.ObjectID = id
		}
		key := relationshipKey(r)
		idx, ok := m.relIndex[key]
		if !ok {
			m.relIndex[key] = len(m.relationships)
			m.relationships = append(m.relationships, r)
			continue
		}
		target := &m.relationships[idx]
		target.Weight = mentionWeightedMean(target.Weight, len(target.ChunkIDs), r.Weight, len(r.ChunkIDs))
		target.Description = appendDescription(target.Description, r.Description)
		target.ChunkIDs = store.SortedUnion(target.ChunkIDs, r.ChunkIDs)
		target.DocumentIDs = store.SortedUnion(target.DocumentIDs, r.DocumentIDs)
		target.Attributes = common.MergeAttributes(target.Attributes, r.Attributes)
	}
}
