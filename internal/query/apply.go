package query

import (
	"sort"

	"gridoc/internal/domain"
)

// Apply evaluates q over an in-memory candidate set: filter, sort, then the
// offset/limit window. The input slice is not modified.
func Apply(q Query, candidates []domain.Revision) []domain.Revision {
	matched := make([]domain.Revision, 0, len(candidates))
	for _, r := range candidates {
		if q.Filter.Match(r) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return q.Less(matched[i], matched[j])
	})

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []domain.Revision{}
	}
	matched = matched[offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}
