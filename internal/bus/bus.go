// Package bus implements the event bus (spec §4.A): publish/subscribe
// delivery with a bounded, TTL'd history list per job id so a late
// subscriber can replay what it missed without gaps.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/metrics"
	"github.com/klauspost/compress/zstd"
)

// MaxHistory is the maximum number of history entries retained per job
// id (spec §3, §4.A).
const MaxHistory = 100

// HistoryTTL is how long a history list survives after its last write
// (spec §3, §4.A).
const HistoryTTL = 300 * time.Second

// Package-level zstd encoder/decoder, safe for concurrent use. Grounded
// on the teacher's internal/hub/msgcodec package-level codec pattern.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("bus: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("bus: init zstd decoder: %v", err))
	}
}

type historyEntry struct {
	key        model.DedupKey
	compressed []byte
}

// history is the bounded, TTL'd entry list for one job id.
type history struct {
	mu       sync.Mutex
	entries  []historyEntry
	epoch    uint64
	expireAt time.Time
	timer    *time.Timer
}

type subscriber struct {
	ch chan model.Event
}

// Bus is the process-wide event bus. It holds one in-memory channel
// fan-out per job id plus a bounded, zstd-compressed history list used
// to replay events to subscribers that connect late (spec §4.A).
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	histories   map[string]*history
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[*subscriber]struct{}),
		histories:   make(map[string]*history),
	}
}

// Publish stamps Timestamp if unset, then atomically (a) appends the
// event to job_id's history, trimming to MaxHistory and resetting its
// TTL, and (b) fans it out to live subscribers. A failure appending to
// history never blocks the live publish (spec §4.A).
func (b *Bus) Publish(jobID string, ev model.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	ev.JobID = jobID

	b.appendHistory(jobID, ev)
	metrics.BusEventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()

	b.mu.Lock()
	subs := b.subscribers[jobID]
	b.mu.Unlock()

	for s := range subs {
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full; it will recover from history on
			// reconnect (spec §4.A "Failures in live publish ... not
			// retried").
		}
	}
}

func (b *Bus) appendHistory(jobID string, ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))

	b.mu.Lock()
	h, ok := b.histories[jobID]
	if !ok {
		h = &history{epoch: 1}
		b.histories[jobID] = h
		metrics.BusHistoryKeys.Set(float64(len(b.histories)))
	}
	b.mu.Unlock()

	h.mu.Lock()
	entry := historyEntry{
		key:        model.DedupKey{Type: ev.Type, Timestamp: ev.Timestamp, RunEpoch: h.epoch},
		compressed: compressed,
	}
	h.entries = append(h.entries, entry)
	if len(h.entries) > MaxHistory {
		h.entries = h.entries[len(h.entries)-MaxHistory:]
	}
	h.expireAt = time.Now().Add(HistoryTTL)
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(HistoryTTL, func() { b.expire(jobID, h) })
	h.mu.Unlock()
}

// expire removes a history list whose TTL elapsed without further
// writes. The entries are cleared and the epoch is bumped, so while the
// list is kept (a subscriber is still attached) later entries for the
// same job id get dedup keys distinct from the expired run's. Once no
// subscriber remains the list is dropped, and the next history created
// for that job id starts again at epoch 1.
func (b *Bus) expire(jobID string, h *history) {
	h.mu.Lock()
	if time.Now().Before(h.expireAt) {
		h.mu.Unlock()
		return
	}
	h.entries = nil
	h.epoch++
	h.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.histories[jobID]; ok && cur == h && len(b.subscribers[jobID]) == 0 {
		delete(b.histories, jobID)
		metrics.BusHistoryKeys.Set(float64(len(b.histories)))
	}
}

func (b *Bus) subscribe(jobID string) *subscriber {
	s := &subscriber{ch: make(chan model.Event, 256)}
	b.mu.Lock()
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[*subscriber]struct{})
	}
	b.subscribers[jobID][s] = struct{}{}
	b.mu.Unlock()
	metrics.BusSubscribersActive.Inc()
	return s
}

func (b *Bus) unsubscribe(jobID string, s *subscriber) {
	b.mu.Lock()
	if ss, ok := b.subscribers[jobID]; ok {
		delete(ss, s)
		if len(ss) == 0 {
			delete(b.subscribers, jobID)
		}
	}
	b.mu.Unlock()
	metrics.BusSubscribersActive.Dec()
}

func (b *Bus) snapshotHistory(jobID string) []historyEntry {
	b.mu.Lock()
	h, ok := b.histories[jobID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Subscribe returns a channel of events for jobID. It subscribes to the live channel *before* reading history
// to close the race window (spec §4.A), then replays the current
// history (deduplicated by (type, timestamp, run_epoch)) before
// forwarding live events, themselves deduplicated against what was
// already replayed. The channel is closed after an event of type
// complete or error is delivered, or when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, jobID string) <-chan model.Event {
	s := b.subscribe(jobID)
	out := make(chan model.Event, 256)

	go func() {
		defer close(out)
		defer b.unsubscribe(jobID, s)

		seen := make(map[model.DedupKey]struct{})

		for _, entry := range b.snapshotHistory(jobID) {
			if _, dup := seen[entry.key]; dup {
				continue
			}
			seen[entry.key] = struct{}{}

			raw, err := decoder.DecodeAll(entry.compressed, nil)
			if err != nil {
				continue
			}
			var ev model.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type.Terminal() {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				key := model.DedupKey{Type: ev.Type, Timestamp: ev.Timestamp}
				b.mu.Lock()
				h := b.histories[jobID]
				b.mu.Unlock()
				if h != nil {
					h.mu.Lock()
					key.RunEpoch = h.epoch
					h.mu.Unlock()
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type.Terminal() {
					return
				}
			}
		}
	}()

	return out
}

// DrainHistory decompresses and returns every entry currently recorded
// for jobID, in publish order, deduplicated by dedup key. Used by the
// worker loop (spec §4.E step 6) to populate a completed job's
// event_history. Returns nil (not an error) if no history exists.
func (b *Bus) DrainHistory(jobID string) []model.Event {
	entries := b.snapshotHistory(jobID)
	seen := make(map[model.DedupKey]struct{}, len(entries))
	out := make([]model.Event, 0, len(entries))
	for _, entry := range entries {
		if _, dup := seen[entry.key]; dup {
			continue
		}
		seen[entry.key] = struct{}{}
		raw, err := decoder.DecodeAll(entry.compressed, nil)
		if err != nil {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}
