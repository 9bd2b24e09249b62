package schema

// WorkflowDefinition is the JSON-serializable graph format: typed nodes
// joined by directed, optionally branch-labeled connections. A definition is
// immutable per version; edits create a new version of the owning workflow.
type WorkflowDefinition struct {
	Nodes       []NodeSpec   `json:"nodes"`
	Connections []Connection `json:"connections,omitempty"`
}

// NodeSpec describes a single node in a workflow graph.
type NodeSpec struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`             // references a registered handler
	Name   string         `json:"name,omitempty"`   // display name
	Config map[string]any `json:"config,omitempty"` // validated against the handler's config schema at save time
	// Position is editor layout metadata, irrelevant to execution.
	Position *Position `json:"position,omitempty"`
}

// Position is canvas layout metadata for a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection is a directed edge between two nodes. Branch is empty for
// unconditional edges; condition/switch nodes follow only the edges whose
// Branch matches the label they returned (e.g. "true", "false", a case value).
type Connection struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Branch string `json:"branch,omitempty"`
}

// Node returns the spec with the given ID, or nil if absent.
func (d *WorkflowDefinition) Node(id string) *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns all connections whose source is the given node.
func (d *WorkflowDefinition) Outgoing(nodeID string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.Source == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus is the lifecycle state of a single node invocation.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusSkipped NodeStatus = "skipped"
)

// TriggerInfo records how a run was started. It is carried in the run context
// so handlers never reach for ambient request state.
type TriggerInfo struct {
	Type       string `json:"type"` // manual, webhook, schedule
	UserID     string `json:"user_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`    // webhook endpoint path
	ScheduleID string `json:"schedule_id,omitempty"` // originating schedule
}

// WorkflowStatus is the activation state of a stored workflow.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)
