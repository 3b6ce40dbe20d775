package execution

import (
	"context"
	"time"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/internal/sysdb"
)

// SystemStore is the slice of the system database gateway the executor
// consumes. *sysdb.DB implements it; tests substitute mocks.
type SystemStore interface {
	InsertWorkflowStatus(ctx context.Context, row *domain.WorkflowStatusRow) (*domain.WorkflowStatusRow, bool, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus, output, errJSON *string) error
	GetWorkflowStatus(ctx context.Context, workflowID string) (*domain.WorkflowStatusRow, error)
	GetWorkflowResult(ctx context.Context, workflowID string) (*string, error)
	BufferWorkflowStatus(row *domain.WorkflowStatusRow)
	FlushStatusBuffer(ctx context.Context) error

	CheckOperationOutput(ctx context.Context, workflowID string, functionID int) (*domain.OperationResult, error)
	RecordOperationOutput(ctx context.Context, workflowID string, functionID int, output *string) error
	RecordOperationError(ctx context.Context, workflowID string, functionID int, errJSON string) error

	Send(ctx context.Context, sourceID string, functionID int, destinationID, topic, message string) error
	Recv(ctx context.Context, workflowID string, functionID int, topic string, timeout time.Duration) (*string, error)
	SetEvent(ctx context.Context, workflowID string, functionID int, key, value string) error
	GetEvent(ctx context.Context, targetID, key string, timeout time.Duration, caller *sysdb.EventCaller) (*string, error)

	EnqueueWorkflow(ctx context.Context, workflowID, queueName string) error
	CompleteQueueEntry(ctx context.Context, workflowID string) error
}
