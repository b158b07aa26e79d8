package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

// notifyQueueSize caps how many round notifications may wait for the
// publisher before the gather barrier starts to feel backpressure.
const notifyQueueSize = 64

// roundNotifier publishes round notifications from its own goroutine so a slow
// broker never holds the fleet at the gather barrier. Notifications are
// published one at a time, in round order.
type roundNotifier struct {
	publisher crawler.Publisher
	topic     string
	timeout   time.Duration
	logger    *zap.Logger

	queue chan RoundNotification
	done  chan struct{}
}

func newRoundNotifier(pub crawler.Publisher, topic string, timeout time.Duration, capacity int, logger *zap.Logger) *roundNotifier {
	if capacity < 1 {
		capacity = 1
	}
	n := &roundNotifier{
		publisher: pub,
		topic:     topic,
		timeout:   timeout,
		logger:    logger,
		queue:     make(chan RoundNotification, capacity),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// enqueue hands msg to the publishing goroutine. It blocks only when the
// queue is full.
func (n *roundNotifier) enqueue(msg RoundNotification) {
	n.queue <- msg
}

// close stops accepting notifications and waits until every queued one has
// been published or has failed.
func (n *roundNotifier) close() {
	close(n.queue)
	<-n.done
}

func (n *roundNotifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		n.publish(msg)
	}
}

func (n *roundNotifier) publish(msg RoundNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	id, err := n.publisher.Publish(ctx, n.topic, msg)
	if err != nil {
		n.logger.Warn("round publish failed", zap.Int("round", msg.Round), zap.Error(err))
		return
	}
	n.logger.Debug("round published", zap.Int("round", msg.Round), zap.String("message_id", id))
}
