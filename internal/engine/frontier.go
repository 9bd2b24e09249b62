package engine

// frontier tracks which nodes are ready to execute. A node becomes ready
// only after every edge into it has resolved: either its source executed, or
// the edge was ruled out by branch routing. Nodes no selecting edge reached
// are pruned and propagate resolution to their own successors, so a join
// below an untaken branch neither deadlocks nor runs early, and a join with
// predecessors at unequal depths waits for the deeper branch.
type frontier struct {
	walker   *Walker
	queue    []string
	resolved map[string]int
	selected map[string]bool
	seen     map[string]bool
}

func newFrontier(w *Walker) *frontier {
	f := &frontier{
		walker:   w,
		resolved: make(map[string]int),
		selected: make(map[string]bool),
		seen:     make(map[string]bool),
	}
	for _, id := range w.Triggers() {
		f.seen[id] = true
		f.queue = append(f.queue, id)
	}
	return f
}

func (f *frontier) empty() bool { return len(f.queue) == 0 }

func (f *frontier) next() string {
	id := f.queue[0]
	f.queue = f.queue[1:]
	return id
}

// finished advances the bookkeeping after a node executed, selecting the
// successors whose edge matches the branch it returned.
func (f *frontier) finished(nodeID, branch string) {
	for _, c := range f.walker.outgoing[nodeID] {
		if c.Branch == "" || c.Branch == branch {
			f.selected[c.Target] = true
		}
		f.resolve(c.Target)
	}
}

// resolve settles one incoming edge of the node. Once every edge is settled
// the node either joins the queue or, when no edge selected it, is pruned
// and its own outgoing edges resolve in turn.
func (f *frontier) resolve(id string) {
	f.resolved[id]++
	if f.resolved[id] < len(f.walker.incoming[id]) || f.seen[id] {
		return
	}
	f.seen[id] = true
	if f.selected[id] {
		f.queue = append(f.queue, id)
		return
	}
	for _, c := range f.walker.outgoing[id] {
		f.resolve(c.Target)
	}
}
