package timeline

// tombstones remembers the most recent removed IDs so a stale bulk load or
// a redelivered insert cannot resurrect them. Oldest entries fall off first.
type tombstones struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newTombstones(limit int) *tombstones {
	if limit <= 0 {
		limit = defaultTombstones
	}
	return &tombstones{limit: limit, set: make(map[string]struct{})}
}

func (ts *tombstones) add(id string) {
	if _, ok := ts.set[id]; ok {
		return
	}
	if len(ts.order) >= ts.limit {
		delete(ts.set, ts.order[0])
		ts.order = ts.order[1:]
	}
	ts.order = append(ts.order, id)
	ts.set[id] = struct{}{}
}

func (ts *tombstones) has(id string) bool {
	_, ok := ts.set[id]
	return ok
}
