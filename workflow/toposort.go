package workflow

import "sort"

// topoSort orders ids so every node follows its parents (Kahn's algorithm).
// Among ready nodes the smaller rank goes first. Parents outside ids are
// ignored. Nodes left over by a cycle are appended by rank.
func topoSort(ids []string, parents func(string) []string, rank map[string]int) []string {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}

	indegree := make(map[string]int, len(ids))
	children := make(map[string][]string, len(ids))
	for _, id := range ids {
		seen := make(map[string]bool)
		for _, p := range parents(id) {
			if !in[p] || seen[p] {
				continue
			}
			seen[p] = true
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}

	byRank := func(s []string) {
		sort.SliceStable(s, func(i, j int) bool { return rank[s[i]] < rank[s[j]] })
	}

	var ready []string
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	byRank(ready)

	out := make([]string, 0, len(ids))
	done := make(map[string]bool, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		done[id] = true

		added := false
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
				added = true
			}
		}
		if added {
			byRank(ready)
		}
	}

	if len(out) < len(ids) {
		rest := make([]string, 0, len(ids)-len(out))
		for _, id := range ids {
			if !done[id] {
				rest = append(rest, id)
			}
		}
		byRank(rest)
		out = append(out, rest...)
	}
	return out
}

// TopologicalOrder returns the nodes ordered so that every node follows its
// parents, ties broken by the order the preparer assigned.
func TopologicalOrder(nodes []*NodeExecution) []*NodeExecution {
	byID := make(map[string]*NodeExecution, len(nodes))
	rank := make(map[string]int, len(nodes))
	ids := make([]string, 0, len(nodes))
	for i, n := range nodes {
		byID[n.NodeID] = n
		rank[n.NodeID] = n.SortOrder*len(nodes) + i
		ids = append(ids, n.NodeID)
	}

	sorted := topoSort(ids, func(id string) []string { return byID[id].ParentNodeIDs }, rank)

	out := make([]*NodeExecution, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, byID[id])
	}
	return out
}
