package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

const (
	TaskProcessBook = "book:process"

	QueueIngest = "ingest"
)

type ProcessPayload struct {
	DocumentID string `json:"document_id"`
	Collection string `json:"collection"`
	FileURL    string `json:"file_url,omitempty"`
}

// NewProcessTask builds an ingestion task. The task id is derived from the
// document so a document already waiting or running is not queued twice.
// Finished tasks are not retained; see Enqueuer for archived ones.
func NewProcessTask(job ingestion_engine.Job, timeout time.Duration) (*asynq.Task, error) {
	if job.DocumentID == "" {
		return nil, errors.New("document id is required")
	}
	if _, err := models.ParseCollection(string(job.Collection)); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ProcessPayload{
		DocumentID: job.DocumentID,
		Collection: string(job.Collection),
		FileURL:    job.FileURL,
	})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	return asynq.NewTask(
		TaskProcessBook,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(timeout),
		asynq.Queue(QueueIngest),
		asynq.TaskID(taskID(job)),
	), nil
}

func taskID(job ingestion_engine.Job) string {
	return "book:" + string(job.Collection) + ":" + job.DocumentID
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Enqueuer puts ingestion tasks on Redis.
type Enqueuer struct {
	client    taskClient
	inspector taskInspector
	timeout   time.Duration
	log       *logger.Logger
}

func NewEnqueuer(opt asynq.RedisConnOpt, timeout time.Duration, log *logger.Logger) *Enqueuer {
	return &Enqueuer{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		timeout:   timeout,
		log:       logger.OrNop(log),
	}
}

// EnqueueProcess queues job. A job already pending or running for the same
// document is not an error. A finished task still holding the id (archived
// after its retries, or completed) is removed so the document can be
// processed again.
func (e *Enqueuer) EnqueueProcess(ctx context.Context, job ingestion_engine.Job) error {
	task, err := NewProcessTask(job, e.timeout)
	if err != nil {
		return err
	}
	id := taskID(job)
	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		var cleared bool
		if cleared, err = e.clearFinished(id); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		if !cleared {
			e.log.Info("ingestion already queued", "document_id", job.DocumentID, "collection", job.Collection)
			return nil
		}
		info, err = e.client.EnqueueContext(ctx, task)
	}
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		e.log.Info("ingestion already queued", "document_id", job.DocumentID, "collection", job.Collection)
		return nil
	case err != nil:
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	e.log.Info("ingestion queued", "task_id", info.ID, "queue", info.Queue, "document_id", job.DocumentID)
	return nil
}

// clearFinished deletes the task holding id when it will never run again.
// It reports whether the id is free for a new task.
func (e *Enqueuer) clearFinished(id string) (bool, error) {
	info, err := e.inspector.GetTaskInfo(QueueIngest, id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		return true, nil
	case err != nil:
		return false, err
	case !finished(info.State):
		return false, nil
	}
	if err := e.inspector.DeleteTask(QueueIngest, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	e.log.Info("cleared finished ingestion task", "task_id", id, "state", info.State.String())
	return true, nil
}

func finished(state asynq.TaskState) bool {
	return state == asynq.TaskStateArchived || state == asynq.TaskStateCompleted
}

// Enqueue lets the enqueuer stand in as the HTTP layer's scheduler.
func (e *Enqueuer) Enqueue(ctx context.Context, job ingestion_engine.Job) error {
	return e.EnqueueProcess(ctx, job)
}

func (e *Enqueuer) Close() error {
	return errors.Join(e.client.Close(), e.inspector.Close())
}

// DocumentProcessor is the part of the orchestrator the task handler needs.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, job ingestion_engine.Job) models.IngestResult
}

// Processor handles ingestion tasks on the worker side.
type Processor struct {
	ingestor DocumentProcessor
	log      *logger.Logger
}

func NewProcessor(ingestor DocumentProcessor, log *logger.Logger) *Processor {
	return &Processor{ingestor: ingestor, log: logger.OrNop(log)}
}

// Register mounts the handlers on mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskProcessBook, p.HandleProcess)
}

// HandleProcess runs one ingestion. Soft outcomes complete the task; hard
// failures return an error so asynq retries them. Malformed payloads are
// never retried.
func (p *Processor) HandleProcess(ctx context.Context, t *asynq.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	collection, err := models.ParseCollection(payload.Collection)
	if err != nil || payload.DocumentID == "" {
		return fmt.Errorf("invalid payload %q: %w", t.Payload(), asynq.SkipRetry)
	}

	res := p.ingestor.ProcessDocument(ctx, ingestion_engine.Job{
		DocumentID: payload.DocumentID,
		Collection: collection,
		FileURL:    payload.FileURL,
	})
	if !res.Success {
		return fmt.Errorf("ingest %s %s at %s: %s", collection, payload.DocumentID, res.Stage, res.Message)
	}
	p.log.Info("task completed", "document_id", payload.DocumentID, "outcome", res.Outcome, "chunks", res.ChunkCount)
	return nil
}
