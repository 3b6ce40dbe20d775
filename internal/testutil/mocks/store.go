package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/internal/sysdb"
)

// SystemStore is an in-memory stand-in for the system database gateway. It
// honors the gateway's contracts — idempotent status inserts, equality-checked
// operation records, FIFO notifications, write-once events — without SQL, so
// executor logic is testable hermetically.
type SystemStore struct {
	mu sync.Mutex

	Workflows     map[string]*domain.WorkflowStatusRow
	Operations    map[string]map[int]*domain.OperationResult
	Notifications []domain.Notification
	Events        map[string]map[string]string
	QueueEntries  map[string]*domain.QueueEntry
	SchedulerHWM  map[string]int64
	Heartbeats    map[string]int64

	// SchedulerLockCalls records the workflow functions catch-up locked,
	// in order.
	SchedulerLockCalls []string

	buffered    map[string]*domain.WorkflowStatusRow
	seq         int64
	schedLockMu sync.Mutex
}

// NewSystemStore creates an empty in-memory store.
func NewSystemStore() *SystemStore {
	return &SystemStore{
		Workflows:    make(map[string]*domain.WorkflowStatusRow),
		Operations:   make(map[string]map[int]*domain.OperationResult),
		Events:       make(map[string]map[string]string),
		QueueEntries: make(map[string]*domain.QueueEntry),
		SchedulerHWM: make(map[string]int64),
		Heartbeats:   make(map[string]int64),
		buffered:     make(map[string]*domain.WorkflowStatusRow),
	}
}

func (s *SystemStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *SystemStore) InsertWorkflowStatus(_ context.Context, row *domain.WorkflowStatusRow) (*domain.WorkflowStatusRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.Workflows[row.WorkflowID]; ok {
		if existing.Name != row.Name || existing.Input != row.Input {
			return nil, false, &domain.ConflictError{WorkflowID: row.WorkflowID}
		}
		if !existing.Status.Terminal() {
			existing.ExecutorID = row.ExecutorID
		}
		copied := *existing
		return &copied, false, nil
	}

	stored := *row
	stored.CreatedAt = s.next()
	stored.UpdatedAt = stored.CreatedAt
	s.Workflows[row.WorkflowID] = &stored
	copied := stored
	return &copied, true, nil
}

func (s *SystemStore) UpdateWorkflowStatus(_ context.Context, workflowID string, status domain.WorkflowStatus, output, errJSON *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.Workflows[workflowID]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if row.Status.Terminal() {
		return nil
	}
	row.Status = status
	if output != nil {
		row.Output = output
	}
	if errJSON != nil {
		row.Error = errJSON
	}
	row.UpdatedAt = s.next()
	return nil
}

func (s *SystemStore) GetWorkflowStatus(_ context.Context, workflowID string) (*domain.WorkflowStatusRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Workflows[workflowID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *SystemStore) GetWorkflowResult(ctx context.Context, workflowID string) (*string, error) {
	for {
		s.mu.Lock()
		row, ok := s.Workflows[workflowID]
		if !ok {
			s.mu.Unlock()
			return nil, domain.ErrWorkflowNotFound
		}
		status := row.Status
		output := row.Output
		errJSON := row.Error
		s.mu.Unlock()

		switch status {
		case domain.WorkflowStatusSuccess:
			return output, nil
		case domain.WorkflowStatusError, domain.WorkflowStatusRetriesExceeded:
			return nil, domain.DecodeError(*errJSON)
		case domain.WorkflowStatusCancelled:
			return nil, &domain.CancelledError{WorkflowID: workflowID}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *SystemStore) BufferWorkflowStatus(row *domain.WorkflowStatusRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered[row.WorkflowID] = row
	// Tests observe terminal statuses through GetWorkflowResult; apply
	// buffered rows immediately rather than modeling the flush delay.
	s.applyBufferedLocked()
}

func (s *SystemStore) FlushStatusBuffer(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyBufferedLocked()
	return nil
}

func (s *SystemStore) applyBufferedLocked() {
	for id, buf := range s.buffered {
		row, ok := s.Workflows[id]
		if !ok || row.Status.Terminal() {
			continue
		}
		row.Status = buf.Status
		if buf.Output != nil {
			row.Output = buf.Output
		}
		if buf.Error != nil {
			row.Error = buf.Error
		}
		row.UpdatedAt = s.next()
	}
	s.buffered = make(map[string]*domain.WorkflowStatusRow)
}

func (s *SystemStore) CheckOperationOutput(_ context.Context, workflowID string, functionID int) (*domain.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.Operations[workflowID][functionID]
	if !ok {
		return nil, nil
	}
	copied := *res
	return &copied, nil
}

func (s *SystemStore) RecordOperationOutput(_ context.Context, workflowID string, functionID int, output *string) error {
	return s.record(workflowID, functionID, &domain.OperationResult{Output: output})
}

func (s *SystemStore) RecordOperationError(_ context.Context, workflowID string, functionID int, errJSON string) error {
	return s.record(workflowID, functionID, &domain.OperationResult{Error: &errJSON})
}

func (s *SystemStore) record(workflowID string, functionID int, res *domain.OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(workflowID, functionID, res)
}

func (s *SystemStore) recordLocked(workflowID string, functionID int, res *domain.OperationResult) error {
	if s.Operations[workflowID] == nil {
		s.Operations[workflowID] = make(map[int]*domain.OperationResult)
	}
	if existing, ok := s.Operations[workflowID][functionID]; ok {
		if !ptrEqual(existing.Output, res.Output) || !ptrEqual(existing.Error, res.Error) {
			return &domain.ConflictError{WorkflowID: workflowID, FunctionID: functionID}
		}
		return nil
	}
	s.Operations[workflowID][functionID] = res
	return nil
}

func (s *SystemStore) Send(_ context.Context, sourceID string, functionID int, destinationID, topic, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.Operations[sourceID][functionID]; ok && res != nil {
		return nil
	}
	if _, ok := s.Workflows[destinationID]; !ok {
		return domain.ErrWorkflowNotFound
	}
	s.Notifications = append(s.Notifications, domain.Notification{
		DestinationID: destinationID,
		Topic:         topic,
		Message:       message,
		CreatedAt:     s.next(),
	})
	return s.recordLocked(sourceID, functionID, &domain.OperationResult{})
}

func (s *SystemStore) Recv(ctx context.Context, workflowID string, functionID int, topic string, timeout time.Duration) (*string, error) {
	s.mu.Lock()
	if res, ok := s.Operations[workflowID][functionID]; ok {
		s.mu.Unlock()
		if res.Error != nil {
			return nil, domain.DecodeError(*res.Error)
		}
		return res.Output, nil
	}
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		idx := -1
		for i, n := range s.Notifications {
			if n.DestinationID == workflowID && n.Topic == topic {
				if idx == -1 || n.CreatedAt < s.Notifications[idx].CreatedAt {
					idx = i
				}
			}
		}
		if idx >= 0 {
			msg := s.Notifications[idx].Message
			s.Notifications = append(s.Notifications[:idx], s.Notifications[idx+1:]...)
			err := s.recordLocked(workflowID, functionID, &domain.OperationResult{Output: &msg})
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return &msg, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			if err := s.record(workflowID, functionID, &domain.OperationResult{}); err != nil {
				return nil, err
			}
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *SystemStore) SetEvent(_ context.Context, workflowID string, functionID int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.Operations[workflowID][functionID]; ok && res != nil {
		return nil
	}
	if existing, ok := s.Events[workflowID][key]; ok && existing != value {
		return &domain.EventAlreadySetError{WorkflowID: workflowID, Key: key}
	}
	if s.Events[workflowID] == nil {
		s.Events[workflowID] = make(map[string]string)
	}
	s.Events[workflowID][key] = value
	return s.recordLocked(workflowID, functionID, &domain.OperationResult{Output: &value})
}

func (s *SystemStore) GetEvent(ctx context.Context, targetID, key string, timeout time.Duration, caller *sysdb.EventCaller) (*string, error) {
	if caller != nil {
		s.mu.Lock()
		if res, ok := s.Operations[caller.WorkflowID][caller.FunctionID]; ok {
			s.mu.Unlock()
			if res.Error != nil {
				return nil, domain.DecodeError(*res.Error)
			}
			return res.Output, nil
		}
		s.mu.Unlock()
	}

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		value, ok := s.Events[targetID][key]
		s.mu.Unlock()
		if ok {
			if caller != nil {
				if err := s.record(caller.WorkflowID, caller.FunctionID, &domain.OperationResult{Output: &value}); err != nil {
					return nil, err
				}
			}
			return &value, nil
		}
		if time.Now().After(deadline) {
			if caller != nil {
				if err := s.record(caller.WorkflowID, caller.FunctionID, &domain.OperationResult{}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *SystemStore) EnqueueWorkflow(_ context.Context, workflowID, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.QueueEntries[workflowID]; ok {
		return nil
	}
	s.QueueEntries[workflowID] = &domain.QueueEntry{
		WorkflowID: workflowID,
		QueueName:  queueName,
		CreatedAt:  s.next(),
	}
	return nil
}

func (s *SystemStore) StartQueuedWorkflows(_ context.Context, queueName string, concurrency int, _ *sysdb.RateLimit) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := 0
	var ready []*domain.QueueEntry
	for _, e := range s.QueueEntries {
		if e.QueueName != queueName {
			continue
		}
		switch {
		case e.StartedAt != nil && e.CompletedAt == nil:
			running++
		case e.StartedAt == nil:
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt < ready[j].CreatedAt })

	slots := len(ready)
	if concurrency > 0 {
		slots = concurrency - running
	}
	if slots > len(ready) {
		slots = len(ready)
	}
	if slots < 0 {
		slots = 0
	}

	var ids []string
	for _, e := range ready[:slots] {
		now := s.next()
		e.StartedAt = &now
		ids = append(ids, e.WorkflowID)
	}
	return ids, nil
}

func (s *SystemStore) CompleteQueueEntry(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.QueueEntries[workflowID]; ok && e.CompletedAt == nil {
		now := s.next()
		e.CompletedAt = &now
	}
	return nil
}

func (s *SystemStore) RecordHeartbeat(_ context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Heartbeats[executorID] = time.Now().UnixMilli()
	return nil
}

func (s *SystemStore) PendingWorkflows(_ context.Context, executorID string, ttl time.Duration) ([]*domain.WorkflowStatusRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMilli()
	var out []*domain.WorkflowStatusRow
	for _, row := range s.Workflows {
		if row.Status != domain.WorkflowStatusPending {
			continue
		}
		if row.ExecutorID == executorID || row.ExecutorID == "" || s.Heartbeats[row.ExecutorID] < cutoff {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// WithSchedulerCatchupLock emulates the per-function advisory lock with a
// process-wide mutex, which is equivalent for a single-store test.
func (s *SystemStore) WithSchedulerCatchupLock(ctx context.Context, workflowFn string, fn func(ctx context.Context) error) error {
	s.schedLockMu.Lock()
	defer s.schedLockMu.Unlock()

	s.mu.Lock()
	s.SchedulerLockCalls = append(s.SchedulerLockCalls, workflowFn)
	s.mu.Unlock()

	return fn(ctx)
}

func (s *SystemStore) LastScheduledTime(_ context.Context, workflowFn string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SchedulerHWM[workflowFn], nil
}

func (s *SystemStore) SetLastScheduledTime(_ context.Context, workflowFn string, t int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.SchedulerHWM[workflowFn] {
		s.SchedulerHWM[workflowFn] = t
	}
	return nil
}

// OperationCount reports how many outcomes are recorded for a workflow.
func (s *SystemStore) OperationCount(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Operations[workflowID])
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
