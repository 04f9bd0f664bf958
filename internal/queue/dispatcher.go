package queue

import (
	"github.com/rs/zerolog"
)

// Dispatcher routes job submissions to the FIFO of their priority class.
// It never looks at job content and never blocks on worker availability.
type Dispatcher struct {
	queues map[Priority]*FIFO
	log    zerolog.Logger
}

// NewDispatcher creates a dispatcher with one queue per known priority class.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		queues: make(map[Priority]*FIFO, len(Priorities)),
		log:    log,
	}
	for _, p := range Priorities {
		d.queues[p] = NewFIFO()
	}
	return d
}

// Submit enqueues a job id on its class queue and returns immediately.
// It fails only for an unrecognized priority class or after Close.
func (d *Dispatcher) Submit(jobID int64, p Priority) error {
	q, ok := d.queues[p]
	if !ok {
		return ErrUnknownPriority
	}
	if err := q.Push(Entry{JobID: jobID, Priority: p}); err != nil {
		return err
	}
	d.log.Debug().Int64("job_id", jobID).Str("priority", string(p)).Int("depth", q.Len()).Msg("job submitted")
	return nil
}

// Queue returns the FIFO backing a priority class, or nil if unknown.
func (d *Dispatcher) Queue(p Priority) *FIFO {
	return d.queues[p]
}

// Depths reports the backlog of every class.
func (d *Dispatcher) Depths() map[Priority]int {
	out := make(map[Priority]int, len(d.queues))
	for p, q := range d.queues {
		out[p] = q.Len()
	}
	return out
}

// Close stops accepting submissions on every queue.
func (d *Dispatcher) Close() {
	for _, q := range d.queues {
		q.Close()
	}
}
