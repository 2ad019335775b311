package chain

import "sort"

// wiring records which stages feed which, by insertion index. up[i] lists
// the producers of stage i and down[i] its consumers, both sorted.
type wiring struct {
	names []string
	up    [][]int
	down  [][]int
}

func newWiring(names []string) *wiring {
	return &wiring{
		names: names,
		up:    make([][]int, len(names)),
		down:  make([][]int, len(names)),
	}
}

// link records that stage from feeds stage to. Repeated links between the
// same pair of stages count once.
func (w *wiring) link(from, to int) {
	i := sort.SearchInts(w.down[from], to)
	if i < len(w.down[from]) && w.down[from][i] == to {
		return
	}
	w.down[from] = insertSorted(w.down[from], to)
	w.up[to] = insertSorted(w.up[to], from)
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// schedule returns the run order. Among the stages whose producers have
// all run, the one added first runs next. A chain that stalls has a loop,
// reported with one witness.
func (w *wiring) schedule() ([]int, error) {
	waiting := make([]int, len(w.names))
	for i, ps := range w.up {
		waiting[i] = len(ps)
	}
	scheduled := make([]bool, len(w.names))
	order := make([]int, 0, len(w.names))
	for len(order) < len(w.names) {
		next := -1
		for i, n := range waiting {
			if n == 0 && !scheduled[i] {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, cycleError(w.loop(scheduled))
		}
		scheduled[next] = true
		order = append(order, next)
		for _, c := range w.down[next] {
			waiting[c]--
		}
	}
	return order, nil
}

// loop walks producers back from the first unscheduled stage. Every
// unscheduled stage has an unscheduled producer, so the walk revisits a
// stage; the revisited stretch, read forwards, is the loop.
func (w *wiring) loop(scheduled []bool) []string {
	at := make(map[int]int)
	var trail []int
	cur := -1
	for i, ok := range scheduled {
		if !ok {
			cur = i
			break
		}
	}
	for cur >= 0 {
		if k, seen := at[cur]; seen {
			path := []string{w.names[cur]}
			for i := len(trail) - 1; i >= k; i-- {
				path = append(path, w.names[trail[i]])
			}
			return path
		}
		at[cur] = len(trail)
		trail = append(trail, cur)
		prev := -1
		for _, p := range w.up[cur] {
			if !scheduled[p] {
				prev = p
				break
			}
		}
		cur = prev
	}
	return nil
}

// closure marks every stage fed, directly or through others, by the given
// stages; with upstream set it marks the stages feeding them instead. The
// given stages are marked too.
func (w *wiring) closure(from []int, upstream bool) []bool {
	next := w.down
	if upstream {
		next = w.up
	}
	marked := make([]bool, len(w.names))
	queue := make([]int, 0, len(from))
	for _, s := range from {
		if !marked[s] {
			marked[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, t := range next[s] {
			if !marked[t] {
				marked[t] = true
				queue = append(queue, t)
			}
		}
	}
	return marked
}
