package feed

import "sort"

// subscriptionTable tracks how many consumers hold an interest in each
// asset. It is the single shared mutable resource of the feed: the Manager
// guards every access with its own lock, so methods here are not
// individually synchronized.
type subscriptionTable struct {
	refs map[string]int
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{refs: make(map[string]int)}
}

// add increments the reference count for each id and returns the ids that
// were not previously tracked (count went 0 -> 1).
func (t *subscriptionTable) add(ids []string) []string {
	var added []string
	for _, id := range ids {
		t.refs[id]++
		if t.refs[id] == 1 {
			added = append(added, id)
		}
	}
	return added
}

// release decrements the reference count for each id and returns the ids
// whose count reached zero. Those ids are removed from the table. Releasing
// an untracked id is a no-op: counts never go negative.
func (t *subscriptionTable) release(ids []string) []string {
	var removed []string
	for _, id := range ids {
		n, ok := t.refs[id]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(t.refs, id)
			removed = append(removed, id)
			continue
		}
		t.refs[id] = n - 1
	}
	return removed
}

func (t *subscriptionTable) contains(id string) bool {
	_, ok := t.refs[id]
	return ok
}

func (t *subscriptionTable) count(id string) int {
	return t.refs[id]
}

func (t *subscriptionTable) empty() bool {
	return len(t.refs) == 0
}

// assets returns the tracked asset ids in sorted order so outbound
// subscribe frames are deterministic.
func (t *subscriptionTable) assets() []string {
	out := make([]string, 0, len(t.refs))
	for id := range t.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
