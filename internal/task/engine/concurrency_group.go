package engine

// groupLimits counts running tasks per Task.Group. Guarded by Service.mu.
//
// Counts are kept even while the limit is 0, so a reload that sets a limit
// takes effect at the next dequeue.
type groupLimits struct {
	running map[string]int
}

func (g *groupLimits) tryAcquire(group string, limit int) bool {
	if group == "" {
		return true
	}
	if g.running == nil {
		g.running = map[string]int{}
	}
	if limit > 0 && g.running[group] >= limit {
		return false
	}
	g.running[group]++
	return true
}

func (g *groupLimits) release(group string) {
	if group == "" || g.running == nil {
		return
	}
	if n := g.running[group]; n > 1 {
		g.running[group] = n - 1
	} else {
		delete(g.running, group)
	}
}
