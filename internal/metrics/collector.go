// Package metrics records attempt outcomes asynchronously. Record never
// blocks the caller: records flow through a buffered channel to a single
// writer goroutine, so a slow database write delays the summary view, not
// the dispatch path.
package metrics

import (
	"log"
	"sync"
	"time"

	"relay/internal/state"
	"relay/pkg/models"
)

// defaultBuffer is the channel capacity before Record starts dropping.
const defaultBuffer = 256

// Collector writes metric records to the store in the background and serves
// per-(kind, agent) summaries from it.
type Collector struct {
	db *state.DB

	records chan *models.MetricRecord
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewCollector starts a collector writing to db.
func NewCollector(db *state.DB) *Collector {
	c := &Collector{
		db:      db,
		records: make(chan *models.MetricRecord, defaultBuffer),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Record derives a metric record from a completed run and hands it to the
// writer. Non-blocking: when the buffer is full the record is dropped with a
// log line rather than stalling the caller.
func (c *Collector) Record(run *models.TaskRun) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	rec := models.RecordFromRun(run)
	select {
	case c.records <- rec:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		log.Printf("[metrics] buffer full, dropped record for task %s attempt %d (%d dropped total)",
			run.TaskID, run.Attempt, n)
	}
}

// Summary returns the aggregate view for a (kind, agent) pair over the
// window. Pairs with no records yield a zero-count summary, never an error.
func (c *Collector) Summary(kind, agentID string, window time.Duration) (*state.MetricSummary, error) {
	return c.db.Summarize(kind, agentID, window)
}

// CountSince returns how many records were written at or after the cutoff.
// The learning loop uses it for its retrain trigger.
func (c *Collector) CountSince(cutoff time.Time) (int, error) {
	return c.db.CountMetricsSince(cutoff)
}

// Pairs lists the (kind, agent) pairs with at least one record in the
// window.
func (c *Collector) Pairs(window time.Duration) ([][2]string, error) {
	return c.db.ListKindAgentPairs(window)
}

// Dropped returns how many records were discarded because the buffer was
// full.
func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops accepting records, drains the buffer to the store, and waits
// for the writer to finish.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

func (c *Collector) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case rec := <-c.records:
			c.write(rec)
		case <-c.done:
			// Drain whatever Record already buffered.
			for {
				select {
				case rec := <-c.records:
					c.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) write(rec *models.MetricRecord) {
	if err := c.db.InsertMetric(rec); err != nil {
		log.Printf("[metrics] insert failed for task %s attempt %d: %v",
			rec.TaskID, rec.Attempt, err)
	}
}
