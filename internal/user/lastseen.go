package user

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsechat/pulse/internal/logger"
)

const (
	lastSeenBuffer  = 256
	lastSeenWorkers = 2
	lastSeenTimeout = 5 * time.Second
)

// lastSeenToucher is the slice of the user service the writer needs.
type lastSeenToucher interface {
	TouchLastSeen(ctx context.Context, id string) error
}

// LastSeenWriter stamps disconnect times without blocking the gateway's
// disconnect path. Stamps funnel through a small worker pool; the stamp is
// advisory, so a full queue drops it rather than stall a closing connection.
type LastSeenWriter struct {
	service  lastSeenToucher
	ch       chan string
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	logger   *logger.Logger
}

func NewLastSeenWriter(service lastSeenToucher, log *logger.Logger) *LastSeenWriter {
	w := &LastSeenWriter{
		service:  service,
		ch:       make(chan string, lastSeenBuffer),
		shutdown: make(chan struct{}),
		logger:   log.WithComponent("user.lastseen"),
	}

	for i := 0; i < lastSeenWorkers; i++ {
		w.workers.Add(1)
		go w.worker()
	}

	return w
}

func (w *LastSeenWriter) worker() {
	defer w.workers.Done()

	for {
		select {
		case id := <-w.ch:
			w.touch(id)
		case <-w.shutdown:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case id := <-w.ch:
					w.touch(id)
				default:
					return
				}
			}
		}
	}
}

func (w *LastSeenWriter) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
	defer cancel()
	_ = w.service.TouchLastSeen(ctx, id)
}

// Record queues a last-seen stamp for the user. It never blocks: a saturated
// or stopped writer drops the stamp instead.
func (w *LastSeenWriter) Record(userID string) {
	if userID == "" || w.closed.Load() {
		return
	}

	select {
	case w.ch <- userID:
	default:
		dropped := w.dropped.Add(1)
		w.logger.Warn("last-seen queue full, dropping stamp",
			slog.String("user_id", userID),
			slog.Int64("total_dropped", dropped))
	}
}

// Shutdown stops intake and drains everything already queued.
func (w *LastSeenWriter) Shutdown() {
	w.closed.Store(true)
	close(w.shutdown)
	w.workers.Wait()
}
