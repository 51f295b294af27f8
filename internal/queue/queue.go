package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueStoryboard = "queue:generate_storyboard"
	QueueRender     = "queue:render_unit"
	QueueAssemble   = "queue:assemble_final"
)

// Job kinds on the render queue.
const (
	JobGenerateStoryboard = "generate_storyboard"
	JobRenderShot         = "render_shot"
	JobRenderDecor        = "render_decor"
	JobRenderWardrobe     = "render_wardrobe"
	JobRenderShotVideo    = "render_shot_video"
	JobLockCast           = "lock_cast"
	JobAssembleFinal      = "assemble_final"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	ProjectID string    `json:"project_id"`
	UnitID    string    `json:"unit_id,omitempty"` // shot/scene/cast id
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// CancelUnit removes every still-queued job for a unit. A unit already
// dequeued (status rendering) runs to completion or timeout — in-flight
// provider calls are not cancellable mid-flight.
func (q *Queue) CancelUnit(ctx context.Context, queueName, projectID, unitID string) (int, error) {
	entries, err := q.client.LRange(ctx, queueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan queue: %w", err)
	}

	removed := 0
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ProjectID == projectID && job.UnitID == unitID {
			n, err := q.client.LRem(ctx, queueName, 1, raw).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to remove job: %w", err)
			}
			removed += int(n)
		}
	}

	return removed, nil
}

// EnqueueStoryboard enqueues storyboard generation for a project.
func (q *Queue) EnqueueStoryboard(ctx context.Context, projectID string) error {
	return q.Enqueue(ctx, QueueStoryboard, &Job{
		ID:        uuid.New(),
		Type:      JobGenerateStoryboard,
		ProjectID: projectID,
	})
}

// EnqueueRender enqueues one renderable unit (shot, decor, wardrobe, cast).
func (q *Queue) EnqueueRender(ctx context.Context, jobType, projectID, unitID string) error {
	return q.Enqueue(ctx, QueueRender, &Job{
		ID:        uuid.New(),
		Type:      jobType,
		ProjectID: projectID,
		UnitID:    unitID,
	})
}

// EnqueueAssemble enqueues final assembly for a project.
func (q *Queue) EnqueueAssemble(ctx context.Context, projectID string) error {
	return q.Enqueue(ctx, QueueAssemble, &Job{
		ID:        uuid.New(),
		Type:      JobAssembleFinal,
		ProjectID: projectID,
	})
}
