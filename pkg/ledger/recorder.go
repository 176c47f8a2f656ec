package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecorderConfig contains configuration for the async record writer.
type RecorderConfig struct {
	// AsyncBuffer is the size of the async write channel buffer.
	// Default: 1000
	AsyncBuffer int

	// WriteTimeout is how long Record waits for buffer space before
	// dropping the record. Default: 5 seconds
	WriteTimeout time.Duration
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		AsyncBuffer:  1000,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder writes call records asynchronously through a buffered
// channel worker.
//
// Settlement on the request path does NOT go through the Recorder: the
// durable write on call completion is synchronous via Storage.Append.
// The Recorder exists for records whose loss is tolerable - operator
// probe outcomes and other monitoring writes - where blocking the
// caller on storage latency is worse than a dropped row.
type Recorder struct {
	storage    Storage
	config     *RecorderConfig
	recordChan chan *CallRecord
	wg         sync.WaitGroup
	done       chan struct{}
	logger     *slog.Logger
}

// NewRecorder creates a new async recorder over the given storage.
func NewRecorder(storage Storage, config *RecorderConfig) *Recorder {
	if config == nil {
		config = DefaultRecorderConfig()
	}

	r := &Recorder{
		storage:    storage,
		config:     config,
		recordChan: make(chan *CallRecord, config.AsyncBuffer),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "ledger.recorder"),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record enqueues a call record for async writing. An empty ID is
// filled with a fresh UUID. Returns immediately unless the buffer is
// full for longer than WriteTimeout, in which case the record is
// dropped and a RecorderError returned.
func (r *Recorder) Record(record *CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	select {
	case r.recordChan <- record:
		return nil
	case <-time.After(r.config.WriteTimeout):
		r.logger.Error("record channel full, dropping record",
			"record_id", record.ID,
			"channel_capacity", r.config.AsyncBuffer,
		)
		return NewRecorderError(record.ID, context.DeadlineExceeded)
	case <-r.done:
		return NewRecorderError(record.ID, context.Canceled)
	}
}

// Close drains the buffer and waits for all pending writes.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}

// worker drains the channel and writes records to storage.
func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case record := <-r.recordChan:
			r.write(record)
		case <-r.done:
			// Drain remaining records before exiting.
			for {
				select {
				case record := <-r.recordChan:
					r.write(record)
				default:
					return
				}
			}
		}
	}
}

// write performs one storage append with a bounded timeout.
func (r *Recorder) write(record *CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.storage.Append(ctx, record); err != nil {
		r.logger.Error("failed to write call record",
			"record_id", record.ID,
			"error", err,
		)
	}
}
