package coordinator

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a new subscriber is replayed.
	backlogSize = 32
)

// LogEntry is one runner output line with its position in the run's log.
// Seq matches the ledger's log sequence so a stream can resume from history.
type LogEntry struct {
	Seq  int
	Line string
}

// LogBroker fans runner output out to live subscribers, keyed by run id.
// It is safe for concurrent use.
//
// Finished runs are kept as closed markers so that a subscriber arriving
// after the run ends gets a closed channel instead of waiting forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*runTopic
}

type runTopic struct {
	subs    map[int]chan LogEntry
	nextID  int
	backlog []LogEntry
	closed  bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{topics: make(map[string]*runTopic)}
}

func (b *LogBroker) topic(runID string) *runTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{subs: make(map[int]chan LogEntry)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel of log entries for runID, primed with up to
// backlogSize recent lines, and a function that cancels the subscription.
// The channel is closed when the run finishes; for a finished run it is
// returned already closed.
func (b *LogBroker) Subscribe(runID string) (<-chan LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan LogEntry, subscriberBufferSize+backlogSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	for _, e := range t.backlog {
		ch <- e
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers e to every subscriber of runID without blocking.
func (b *LogBroker) Publish(runID string, e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	if t.closed {
		return
	}
	t.backlog = append(t.backlog, e)
	if len(t.backlog) > backlogSize {
		t.backlog = t.backlog[len(t.backlog)-backlogSize:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close ends the stream for runID and closes all subscriber channels.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	t.backlog = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears the closed marker for runID so a rerun of the same id can
// stream again.
func (b *LogBroker) Reopen(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok && t.closed {
		delete(b.topics, runID)
	}
}
