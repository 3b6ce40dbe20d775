package domain

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending         WorkflowStatus = "PENDING"
	WorkflowStatusSuccess         WorkflowStatus = "SUCCESS"
	WorkflowStatusError           WorkflowStatus = "ERROR"
	WorkflowStatusRetriesExceeded WorkflowStatus = "RETRIES_EXCEEDED"
	WorkflowStatusCancelled       WorkflowStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusSuccess, WorkflowStatusError, WorkflowStatusRetriesExceeded, WorkflowStatusCancelled:
		return true
	}
	return false
}

// WorkflowStatusRow mirrors a row of dbos.workflow_status.
// Output and Error hold serialized JSON documents; at most one is set once
// the workflow is terminal. Timestamps are epoch milliseconds.
type WorkflowStatusRow struct {
	WorkflowID         string
	Status             WorkflowStatus
	Name               string
	AuthenticatedUser  string
	AssumedRole        string
	AuthenticatedRoles string
	Request            string
	Input              string
	Output             *string
	Error              *string
	ExecutorID         string
	CreatedAt          int64
	UpdatedAt          int64
	ApplicationVersion string
	QueueName          string
	QueuedAt           *int64
	StartedAt          *int64
	CompletedAt        *int64
}

// OperationResult is a recorded step outcome. At most one of Output and Error
// is non-nil; both are nil for a send and for a recv or getEvent that timed
// out.
type OperationResult struct {
	Output *string
	Error  *string
}

// OperationOutputRow mirrors a row of dbos.operation_outputs or
// dbos.transaction_outputs, keyed by (workflow_uuid, function_id).
type OperationOutputRow struct {
	WorkflowID  string
	FunctionID  int
	Output      *string
	Error       *string
	TxnID       *string
	TxnSnapshot *string
	CreatedAt   int64
}

// Notification mirrors a row of dbos.notifications. Messages with the same
// (destination, topic) form a FIFO queue ordered by CreatedAt.
type Notification struct {
	MessageID     string
	DestinationID string
	Topic         string
	Message       string
	CreatedAt     int64
}

// WorkflowEvent mirrors a row of dbos.workflow_events. A (workflow, key) pair
// is written at most once.
type WorkflowEvent struct {
	WorkflowID string
	Key        string
	Value      string
}

// QueueEntry mirrors a row of dbos.workflow_queue.
type QueueEntry struct {
	WorkflowID  string
	QueueName   string
	CreatedAt   int64
	StartedAt   *int64
	CompletedAt *int64
}

// ListWorkflowsFilter narrows ListWorkflows results. Zero values mean "any".
type ListWorkflowsFilter struct {
	Status        WorkflowStatus
	Name          string
	CreatedAfter  int64
	CreatedBefore int64
	Limit         int
}
