package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// NodeBehavior controls whether the run writes into the existing node
// entities or produces fresh ones.
type NodeBehavior string

const (
	BehaviorUpdate NodeBehavior = "update"
	BehaviorCreate NodeBehavior = "create"
)

// PrepareInput is the preparer input.
type PrepareInput struct {
	Graph      *RawGraph
	StartNodes []string
	// Variables override the graph variables' default values.
	Variables map[string]string
	Behavior  NodeBehavior
	// NewEntityID generates entity ids in create mode. Defaults to uuid.
	NewEntityID func(NodeType) string
}

// PreparedNode is one node-execution record before persistence.
type PreparedNode struct {
	NodeID    string
	NodeType  NodeType
	EntityID  string
	Title     string
	Status    NodeStatus
	ParentIDs []string
	ChildIDs  []string
	Payload   json.RawMessage
}

// PrepareResult lists nodes in topological order (ties broken by snapshot
// order) and the true start nodes.
type PrepareResult struct {
	Nodes      []PreparedNode
	StartNodes []string
}

// Prepare turns a canvas snapshot into node-execution records.
//
// The participating set is every node when no start nodes are requested,
// otherwise the requested nodes plus all their descendants. Edges are
// restricted to that set; edges to unknown nodes are ignored and duplicate
// edges collapse. Nodes without parents in the set start as init, the rest
// as waiting. Prepare performs no I/O.
func Prepare(in PrepareInput) (*PrepareResult, error) {
	if in.Graph == nil || len(in.Graph.Nodes) == 0 {
		return nil, &ValidationError{Err: ErrEmptyGraph}
	}

	order := make(map[string]int, len(in.Graph.Nodes))
	byID := make(map[string]CanvasNode, len(in.Graph.Nodes))
	for i, n := range in.Graph.Nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, &ValidationError{Err: ErrDuplicateNode, NodeID: n.ID}
		}
		order[n.ID] = i
		byID[n.ID] = n
	}

	// 全图邻接表，去重并忽略悬空边
	children := make(map[string][]string, len(byID))
	seenEdge := make(map[[2]string]bool, len(in.Graph.Edges))
	for _, e := range in.Graph.Edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		key := [2]string{e.Source, e.Target}
		if seenEdge[key] {
			continue
		}
		seenEdge[key] = true
		children[e.Source] = append(children[e.Source], e.Target)
	}

	for _, id := range in.StartNodes {
		if _, ok := byID[id]; !ok {
			return nil, &ValidationError{Err: ErrInvalidStartNode, NodeID: id}
		}
	}

	participating := make(map[string]bool, len(byID))
	if len(in.StartNodes) == 0 {
		for id := range byID {
			participating[id] = true
		}
	} else {
		for _, id := range in.StartNodes {
			markDescendants(id, children, participating)
		}
	}

	if id, ok := findCycle(in.Graph.Nodes, children, participating); ok {
		return nil, &ValidationError{Err: ErrGraphCycle, NodeID: id}
	}

	parents := make(map[string][]string, len(participating))
	for _, n := range in.Graph.Nodes {
		if !participating[n.ID] {
			continue
		}
		for _, c := range children[n.ID] {
			if participating[c] {
				parents[c] = append(parents[c], n.ID)
			}
		}
	}

	ids := make([]string, 0, len(participating))
	for _, n := range in.Graph.Nodes {
		if participating[n.ID] {
			ids = append(ids, n.ID)
		}
	}
	sorted := topoSort(ids, func(id string) []string { return parents[id] }, order)

	vars := resolveVariables(in.Graph.Variables, in.Variables)
	newEntityID := in.NewEntityID
	if newEntityID == nil {
		newEntityID = func(NodeType) string { return uuid.NewString() }
	}

	result := &PrepareResult{Nodes: make([]PreparedNode, 0, len(sorted))}
	for _, id := range sorted {
		src := byID[id]

		var kids []string
		for _, c := range children[id] {
			if participating[c] {
				kids = append(kids, c)
			}
		}

		status := NodeStatusWaiting
		if len(parents[id]) == 0 {
			status = NodeStatusInit
			result.StartNodes = append(result.StartNodes, id)
		}

		entityID := src.EntityID
		if in.Behavior == BehaviorCreate {
			entityID = newEntityID(src.Type)
		}

		payload, err := substituteVariables(src.Data, vars)
		if err != nil {
			return nil, &ValidationError{Err: fmt.Errorf("workflow: resolve variables: %w", err), NodeID: id}
		}

		result.Nodes = append(result.Nodes, PreparedNode{
			NodeID:    id,
			NodeType:  src.Type,
			EntityID:  entityID,
			Title:     src.Title,
			Status:    status,
			ParentIDs: append([]string(nil), parents[id]...),
			ChildIDs:  kids,
			Payload:   payload,
		})
	}

	return result, nil
}

func markDescendants(id string, children map[string][]string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	for _, c := range children[id] {
		markDescendants(c, children, seen)
	}
}

// findCycle 深度优先搜索回边，返回环上的一个节点
func findCycle(nodes []CanvasNode, children map[string][]string, in map[string]bool) (string, bool) {
	visited := make(map[string]bool, len(in))
	onStack := make(map[string]bool, len(in))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		visited[id] = true
		onStack[id] = true
		for _, c := range children[id] {
			if !in[c] {
				continue
			}
			if !visited[c] {
				if at, found := visit(c); found {
					return at, true
				}
			} else if onStack[c] {
				return c, true
			}
		}
		onStack[id] = false
		return "", false
	}

	for _, n := range nodes {
		if in[n.ID] && !visited[n.ID] {
			if at, found := visit(n.ID); found {
				return at, true
			}
		}
	}
	return "", false
}

func resolveVariables(defs []Variable, overrides map[string]string) map[string]string {
	vars := make(map[string]string, len(defs)+len(overrides))
	for _, v := range defs {
		vars[v.Name] = v.DefaultValue
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// substituteVariables 单遍替换负载中的 {{name}}，值按 JSON 字符串转义。
// 未定义的占位符保持原样，替换进来的值不会再次展开。
func substituteVariables(data json.RawMessage, vars map[string]string) (json.RawMessage, error) {
	if len(data) == 0 || len(vars) == 0 || !bytes.Contains(data, []byte("{{")) {
		return data, nil
	}

	out := placeholderPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-2])
		value, ok := vars[name]
		if !ok {
			return match
		}
		quoted, _ := json.Marshal(value)
		// 去掉首尾引号，只保留转义后的内容
		return quoted[1 : len(quoted)-1]
	})

	if !json.Valid(out) {
		return nil, fmt.Errorf("payload is not valid JSON after substitution")
	}
	return out, nil
}
