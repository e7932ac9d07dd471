package workflow

import "encoding/json"

// NodeType is the canvas node kind.
type NodeType string

const (
	// NodeTypeSkill invokes an AI skill; the only computational node type.
	NodeTypeSkill NodeType = "skillResponse"
	// NodeTypeStart marks an explicit entry point.
	NodeTypeStart NodeType = "start"
	// NodeTypeDocument, NodeTypeResource, NodeTypeMemo and NodeTypeGroup
	// carry content but do no work of their own.
	NodeTypeDocument NodeType = "document"
	NodeTypeResource NodeType = "resource"
	NodeTypeMemo     NodeType = "memo"
	NodeTypeGroup    NodeType = "group"
)

// IsComputational reports whether nodes of this type dispatch work to the
// skill service. Every other type is pass-through.
func (t NodeType) IsComputational() bool {
	return t == NodeTypeSkill
}

// RawGraph is a canvas snapshot: the full node and edge set plus the
// workflow variables with their default values.
type RawGraph struct {
	Title     string       `json:"title"`
	Nodes     []CanvasNode `json:"nodes"`
	Edges     []CanvasEdge `json:"edges"`
	Variables []Variable   `json:"variables,omitempty"`
}

// CanvasNode is one node on the canvas.
type CanvasNode struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	EntityID string          `json:"entityId,omitempty"`
	Title    string          `json:"title,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// CanvasEdge connects Source to Target; Target depends on Source.
type CanvasEdge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Variable is a workflow variable referenced in node payloads as {{name}}.
type Variable struct {
	Name         string `json:"name"`
	DefaultValue string `json:"defaultValue,omitempty"`
	Description  string `json:"description,omitempty"`
}
