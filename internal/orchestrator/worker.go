package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amberline/storyboard/internal/queue"
)

// Worker pulls jobs off the queues and drives them through the
// orchestrator. Each queue gets `concurrency` goroutine loops; job-level
// throughput on one project is still bounded by the project's render slots
// and serialized by its lock.
type Worker struct {
	queue *queue.Queue
	orch  *Orchestrator
}

func NewWorker(q *queue.Queue, orch *Orchestrator) *Worker {
	return &Worker{queue: q, orch: orch}
}

// Start begins processing jobs from all queues. Blocks until ctx is done
// and every loop has drained its in-flight job.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		for _, name := range []string{queue.QueueStoryboard, queue.QueueRender, queue.QueueAssemble} {
			name := name
			g.Go(func() error {
				w.processQueue(gctx, name)
				return nil
			})
		}
	}

	_ = g.Wait()
	log.Println("[Worker] Shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				log.Printf("[Worker] Error dequeuing from %s: %v", queueName, err)
				continue
			}
			if job == nil {
				continue
			}

			log.Printf("[Worker] Processing job %s (type: %s, project: %s, unit: %s)", job.ID, job.Type, job.ProjectID, job.UnitID)

			if err := w.handleJob(ctx, job); err != nil {
				log.Printf("[Worker] Job %s failed: %v", job.ID, err)
			} else {
				log.Printf("[Worker] Job %s completed", job.ID)
			}
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobGenerateStoryboard:
		return w.orch.GenerateStoryboard(ctx, job.ProjectID)
	case queue.JobRenderShot:
		return w.orch.RenderShot(ctx, job.ProjectID, job.UnitID)
	case queue.JobRenderDecor:
		return w.orch.RenderSceneDecor(ctx, job.ProjectID, job.UnitID)
	case queue.JobRenderWardrobe:
		return w.orch.RenderSceneWardrobe(ctx, job.ProjectID, job.UnitID)
	case queue.JobRenderShotVideo:
		return w.orch.RenderShotVideo(ctx, job.ProjectID, job.UnitID)
	case queue.JobLockCast:
		return w.orch.LockCast(ctx, job.ProjectID, job.UnitID)
	case queue.JobAssembleFinal:
		return w.orch.AssembleFinal(ctx, job.ProjectID)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}
