package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

// AdminBillingController gives operators a view into the billing queues.
type AdminBillingController struct {
	queue  *jobqueue.Queue
	queues []string
}

func NewAdminBillingController(queue *jobqueue.Queue, queues ...string) *AdminBillingController {
	if len(queues) == 0 {
		queues = []string{jobqueue.QueueBilling, jobqueue.QueueDefault}
	}
	return &AdminBillingController{queue: queue, queues: queues}
}

// HandleDeadLetters lists jobs that exhausted their retries or failed terminally.
func (ac *AdminBillingController) HandleDeadLetters(c *fiber.Ctx) error {
	jobs, err := ac.queue.DeadLetters(c.UserContext(), int64(c.QueryInt("limit", 50)))
	if err != nil {
		log.Errorw("[Admin] dead letter listing failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.JSON(fiber.Map{"dead_letters": jobs, "count": len(jobs)})
}

// HandleRequeueDeadLetter puts a dead job back on its queue with fresh retries.
func (ac *AdminBillingController) HandleRequeueDeadLetter(c *fiber.Ctx) error {
	job, err := ac.queue.RequeueDeadLetter(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		log.Errorw("[Admin] requeue failed", "job_id", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	log.Infow("[Admin] dead letter requeued", "job_id", job.ID, "trace_id", job.TraceID)
	return c.JSON(job)
}

func (ac *AdminBillingController) HandleQueues(c *fiber.Ctx) error {
	stats := make([]*jobqueue.QueueStats, 0, len(ac.queues))
	for _, q := range ac.queues {
		s, err := ac.queue.GetQueueStats(c.UserContext(), q)
		if err != nil {
			log.Errorw("[Admin] queue stats failed", "queue", q, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
		}
		stats = append(stats, s)
	}
	dead, err := ac.queue.DeadLetterCount(c.UserContext())
	if err != nil {
		log.Errorw("[Admin] dead letter count failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.JSON(fiber.Map{"queues": stats, "dead_letters": dead})
}
