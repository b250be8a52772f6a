package reconcile

import (
	"sort"

	"github.com/mt21625457/taskstream/domain"
)

// GroupByStatus buckets tasks into board columns. Every one of the
// five statuses is present in the result with a non-nil slice, so
// consumers never need a per-column existence check. Tasks carrying an
// unknown status are dropped; the reconciler rejects them on the way
// in, so this only guards hand-built collections.
//
// No ordering is imposed within a group; that is a presentation
// concern (see SortGroup).
func GroupByStatus(tasks domain.Collection) map[domain.Status][]domain.Task {
	groups := make(map[domain.Status][]domain.Task, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		groups[s] = []domain.Task{}
	}
	for _, t := range tasks {
		if _, ok := groups[t.Status]; !ok {
			continue
		}
		groups[t.Status] = append(groups[t.Status], t)
	}
	return groups
}

// SortGroup orders a column newest-first, with the task id as a
// deterministic tiebreak.
func SortGroup(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
