package orchestration

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/types"
)

// collector owns the single open batch and the pending queue, guarded by
// one batch-mutation lock, grounded on original_source orchestrator.py's
// SecurityEventBatch/batch_lock pair (submit_event, _close_batch_after_timeout,
// _close_batch_immediately).
type collector struct {
	mu sync.Mutex

	collectionWindow time.Duration
	maxBatchSize     int

	nextID  int64
	current *types.RemediationBatch
	timer   *time.Timer
	queue   *pendingQueue

	// onClose is invoked (without the lock held) whenever a batch closes
	// and is pushed onto the queue; the orchestrator uses it to attempt
	// the execution lock.
	onClose func()

	log *logrus.Logger
}

func newCollector(collectionWindow time.Duration, maxBatchSize int, log *logrus.Logger) *collector {
	if collectionWindow <= 0 {
		collectionWindow = 10 * time.Second
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 10
	}
	return &collector{
		collectionWindow: collectionWindow,
		maxBatchSize:     maxBatchSize,
		queue:            newPendingQueue(),
		log:              log,
	}
}

// submit adds event to the open batch, starting one if none exists. It
// closes the batch immediately if the size limit is reached, otherwise
// leaves the collection timer running.
func (c *collector) submit(event types.SecurityEvent) {
	c.mu.Lock()

	if c.current == nil {
		c.nextID++
		c.current = &types.RemediationBatch{
			BatchID:   c.nextID,
			CreatedAt: time.Now(),
			Status:    types.BatchCollecting,
		}
		c.log.WithField("batch_id", c.current.BatchID).Info("opened new remediation batch")
		id := c.current.BatchID
		c.timer = time.AfterFunc(c.collectionWindow, func() { c.closeByTimeout(id) })
	}

	c.current.Events = append(c.current.Events, event)
	c.log.WithFields(logrus.Fields{
		"batch_id": c.current.BatchID, "source": event.Source, "severity": event.Severity,
		"count": len(c.current.Events),
	}).Info("added event to batch")

	if len(c.current.Events) >= c.maxBatchSize {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.close("max batch size reached")
		return
	}

	c.mu.Unlock()
}

// closeByTimeout fires when the collection window elapses; it is a no-op
// if the batch it was scheduled for has already closed some other way.
func (c *collector) closeByTimeout(batchID int64) {
	c.mu.Lock()
	if c.current == nil || c.current.BatchID != batchID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.close("collection window elapsed")
}

// close moves the current batch to analyzing and pushes it onto the
// pending queue, then clears current so the next event opens a fresh one.
func (c *collector) close(reason string) {
	c.mu.Lock()
	batch := c.current
	if batch == nil {
		c.mu.Unlock()
		return
	}
	batch.Status = types.BatchAnalyzing
	c.current = nil
	c.timer = nil
	c.queue.push(batch)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"batch_id": batch.BatchID, "events": len(batch.Events), "reason": reason}).
		Info("closed batch, queued for processing")

	if c.onClose != nil {
		c.onClose()
	}
}

func (c *collector) popNext() *types.RemediationBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.pop()
}
