package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"PerpClear/internal/core"
	"PerpClear/internal/observability"
)

const (
	initialRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// PersistenceWorker drains core output into Postgres. Writes are batched
// and flushed on size or timer. A failed flush retries forever with
// exponential backoff: the core blocks on a full channel rather than
// acknowledge an event that was never durably written.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	writer *EventLogWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
	}
}

// Run processes output until the context is cancelled, then drains the
// channel and performs a final flush so no acknowledged event is lost.
func (pw *PersistenceWorker) Run(ctx context.Context) {
	batch := make([]core.CoreOutput, 0, pw.batchSize)
	flushTimer := time.NewTimer(pw.flushTimeout)
	defer flushTimer.Stop()

	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(batch)
				return
			}
			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				pw.flushWithRetry(ctx, batch)
				batch = batch[:0]
				resetTimer(flushTimer, pw.flushTimeout)
			}

		case <-flushTimer.C:
			if len(batch) > 0 {
				pw.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			flushTimer.Reset(pw.flushTimeout)

		case <-ctx.Done():
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						pw.finalFlush(batch)
						return
					}
					batch = append(batch, output)
				default:
					pw.finalFlush(batch)
					return
				}
			}
		}
	}
}

func (pw *PersistenceWorker) finalFlush(batch []core.CoreOutput) {
	if len(batch) == 0 {
		pw.log.Info().Msg("persistence worker stopped")
		return
	}
	// Shutdown flush runs on a fresh context so cancellation of the run
	// context cannot abort the write.
	pw.flushWithRetry(context.Background(), batch)
	pw.log.Info().Int("final_batch", len(batch)).Msg("persistence worker stopped")
}

// flushWithRetry retries until the flush succeeds. There is no retry cap:
// losing events is worse than stalling, and the core's blocking persist
// channel propagates the stall as backpressure.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) {
	backoff := initialRetryBackoff
	for attempt := 1; ; attempt++ {
		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 1 {
				pw.log.Info().Int("attempt", attempt).Msg("flush recovered")
			}
			return
		}

		pw.metrics.PersistErrors.WithLabelValues("flush").Inc()
		pw.metrics.PersistRetries.Inc()
		pw.log.Error().Err(err).
			Int("attempt", attempt).
			Int("batch_size", len(batch)).
			Dur("backoff", backoff).
			Msg("flush failed, retrying")

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

// flush writes one batch of events and their journals in a single
// transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	for _, output := range batch {
		events = append(events, EventRowFromOutput(output))
		journals = append(journals, JournalRowsFromOutput(output)...)
	}

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.metrics.PersistEventsWritten.Add(float64(len(events)))
	pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
	pw.metrics.PersistBatchSize.Observe(float64(len(events)))
	pw.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
	pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))

	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
