package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager runs the queue workers together with the periodic housekeeping
// that keeps delayed and stuck jobs moving.
type Manager struct {
	queue         *Queue
	queues        []string
	promoteTicker *time.Ticker
	stuckTicker   *time.Ticker
	promoteEvery  time.Duration
	stuckEvery    time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a manager for the given named queues.
func NewManager(queue *Queue, queues ...string) *Manager {
	if len(queues) == 0 {
		queues = []string{QueueBilling, QueueDefault}
	}
	return &Manager{
		queue:        queue,
		queues:       queues,
		promoteEvery: time.Second,
		stuckEvery:   time.Minute,
		stopCh:       make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.promoteTicker = time.NewTicker(m.promoteEvery)
	m.wg.Add(1)
	go m.promoteWorker()

	m.stuckTicker = time.NewTicker(m.stuckEvery)
	m.wg.Add(1)
	go m.stuckWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.promoteTicker != nil {
		m.promoteTicker.Stop()
	}
	if m.stuckTicker != nil {
		m.stuckTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// promoteWorker moves due retries back onto their pending lists.
func (m *Manager) promoteWorker() {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-m.promoteTicker.C:
			for _, q := range m.queues {
				if _, err := m.queue.PromoteDelayed(ctx, q, now); err != nil {
					log.Errorf("[JobQueue Manager] Promote delayed jobs on %s failed: %v", q, err)
				}
			}
		}
	}
}

// stuckWorker recovers jobs whose worker died mid-flight.
func (m *Manager) stuckWorker() {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Stuck sweeper stopping")
			return
		case now := <-m.stuckTicker.C:
			for _, q := range m.queues {
				if n, err := m.queue.RecoverStuck(ctx, q, now); err != nil {
					log.Errorf("[JobQueue Manager] Stuck sweep on %s failed: %v", q, err)
				} else if n > 0 {
					log.Warnf("[JobQueue Manager] Recovered %d stuck jobs on %s", n, q)
				}
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
