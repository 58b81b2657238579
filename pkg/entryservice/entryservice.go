// Package entryservice is the boundary between the shared log and
// everything that consumes it: it runs the two background loops that
// turn a raw position-addressed log into a stream of typed entries, and
// exposes the handful of operations (append, register a fan-out queue,
// batch-read, watch for an after-image) that the rest of the core needs.
package entryservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/entrycache"
	"github.com/illinoisdata/cruzdb/pkg/intentionqueue"
	"github.com/illinoisdata/cruzdb/pkg/matcher"
	"github.com/illinoisdata/cruzdb/pkg/metrics"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

// Config holds the service's tunables.
type Config struct {
	// IntentionCacheCap bounds the small FIFO the intention loop
	// pre-fetches into; 0 disables pre-fetching entirely.
	IntentionCacheCap int
	// PollInterval is how often the IO loop checks the log tail once it
	// has caught up, and how long the intention loop waits before
	// retrying a hole or an empty queue set.
	PollInterval time.Duration
}

// DefaultConfig mirrors the single-node reference settings.
func DefaultConfig() Config {
	return Config{
		IntentionCacheCap: 16,
		PollInterval:      time.Millisecond,
	}
}

// Service owns the two reader loops over a shared log and the state they
// populate: the unbounded position cache, the intention pre-fetch cache,
// the after-image matcher, and the set of registered fan-out queues.
type Service struct {
	log      sharedlog.Log
	cache    *entrycache.Cache // unbounded; fed by the IO loop and ReadIntentions
	prefetch *entrycache.Cache // bounded FIFO; fed only by AppendIntention
	matcher  *matcher.Matcher
	metrics  metrics.Collector
	logger   *slog.Logger
	cfg      Config

	mu         sync.Mutex
	queues     map[uint64]*intentionqueue.Queue
	nextHandle uint64
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Service. Start must be called before it does any
// work; metrics and logger may be nil, in which case a no-op collector
// and the default slog logger are used.
func New(log sharedlog.Log, cfg Config, m metrics.Collector, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		log:      log,
		cache:    entrycache.New(0),
		prefetch: entrycache.New(cfg.IntentionCacheCap),
		matcher:  matcher.New(),
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		queues:   make(map[uint64]*intentionqueue.Queue),
	}
}

// Start begins the IO loop and the intention loop, both reading forward
// from pos. It must be called at most once.
func (s *Service) Start(pos types.Position) {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.ioLoop(s.ctx, pos)
	go s.intentionLoop(s.ctx)
}

// Stop shuts down both loops, the matcher, and every registered queue,
// then blocks until the loops have exited.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.matcher.Shutdown()

	s.mu.Lock()
	for _, q := range s.queues {
		q.Stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// AppendIntention serializes and appends intention, populates the
// pre-fetch cache with the now-positioned copy, and returns the position
// it landed at.
func (s *Service) AppendIntention(ctx context.Context, in *wire.Intention) (types.Position, error) {
	blob, err := wire.Encode(wire.LogEntry{Kind: wire.KindIntention, Intention: in})
	if err != nil {
		return types.NoPosition, fmt.Errorf("entryservice: encode intention: %w", err)
	}

	pos, err := s.log.Append(ctx, blob)
	if err != nil {
		return types.NoPosition, fmt.Errorf("entryservice: append intention: %w", err)
	}

	positioned := *in
	positioned.Position = pos
	s.prefetch.Insert(pos, entrycache.Entry{Kind: entrycache.KindIntention, Intention: &positioned})
	s.metrics.IncCounter("entryservice_intentions_appended", nil, 1)
	return pos, nil
}

// AppendAfterImage serializes and appends ai. The matcher learns about it
// asynchronously, once the IO loop reads it back from the log; callers
// that produced the tree themselves call Watch to register for that
// pairing before or after this call, in either order.
func (s *Service) AppendAfterImage(ctx context.Context, ai *wire.AfterImage) (types.Position, error) {
	blob, err := wire.Encode(wire.LogEntry{Kind: wire.KindAfterImage, AfterImage: ai})
	if err != nil {
		return types.NoPosition, fmt.Errorf("entryservice: encode after-image: %w", err)
	}

	pos, err := s.log.Append(ctx, blob)
	if err != nil {
		return types.NoPosition, fmt.Errorf("entryservice: append after-image: %w", err)
	}

	s.metrics.IncCounter("entryservice_afterimages_appended", nil, 1)
	return pos, nil
}

// Watch registers t, whose owning intention has already committed, to be
// paired with the first after-image that matches it. It blocks briefly
// only to take the matcher's lock; the actual pairing happens whenever
// the IO loop reads the after-image back.
func (s *Service) Watch(t tree.Tree) error {
	return s.matcher.Watch(t.Delta(), t)
}

// Matched blocks until the matcher has a pair ready for consumption, or
// the service has been stopped.
func (s *Service) Matched() (matcher.Pair, bool) {
	return s.matcher.Match()
}

// QueueHandle is an opaque registration token. It exposes nothing about
// the underlying queue except what Wait needs, so callers never hold a
// pointer into the service's internal queue table.
type QueueHandle struct {
	id  uint64
	svc *Service
	q   *intentionqueue.Queue
}

// Wait blocks until the next intention at or after this handle's cursor
// is available, or the handle has been unregistered.
func (h *QueueHandle) Wait() (*wire.Intention, bool) {
	return h.q.Wait()
}

// RegisterQueue creates a new fan-out queue starting at pos and returns a
// handle to it. The intention loop begins delivering to it on its next
// iteration.
func (s *Service) RegisterQueue(pos types.Position) *QueueHandle {
	q := intentionqueue.New(pos)

	s.mu.Lock()
	id := s.nextHandle
	s.nextHandle++
	s.queues[id] = q
	s.mu.Unlock()

	return &QueueHandle{id: id, svc: s, q: q}
}

// Unregister stops h's queue and removes it from the fan-out set.
func (s *Service) Unregister(h *QueueHandle) {
	s.mu.Lock()
	delete(s.queues, h.id)
	s.mu.Unlock()
	h.q.Stop()
}

// ReadIntentions batch-resolves positions to intentions, serving hits out
// of the unbounded cache and falling back to the log for misses.
func (s *Service) ReadIntentions(ctx context.Context, positions []types.Position) ([]*wire.Intention, error) {
	out := make([]*wire.Intention, len(positions))
	var missing []int

	for i, pos := range positions {
		if entry, ok := s.cache.Get(pos); ok {
			if entry.Kind != entrycache.KindIntention {
				return nil, fmt.Errorf("entryservice: position %d is not an intention: %w", pos, cruzerr.ErrContractViolation)
			}
			out[i] = entry.Intention
			continue
		}
		missing = append(missing, i)
	}

	for _, i := range missing {
		pos := positions[i]
		blob, err := s.log.Read(ctx, pos)
		if err != nil {
			return nil, fmt.Errorf("entryservice: read intention at %d: %w", pos, err)
		}
		in, err := wire.DecodeIntention(blob)
		if err != nil {
			return nil, fmt.Errorf("entryservice: decode intention at %d: %w", pos, err)
		}
		in.Position = pos

		cached := s.cache.Insert(pos, entrycache.Entry{Kind: entrycache.KindIntention, Intention: in})
		out[i] = cached.Intention
	}

	return out, nil
}

// ioLoop is the primary reader: it drains the log from pos forward,
// classifying and caching every entry, and feeding after-images to the
// matcher as they're observed.
func (s *Service) ioLoop(ctx context.Context, pos types.Position) {
	defer s.wg.Done()

	next := pos
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tail, err := s.log.CheckTail(ctx)
		if err != nil {
			s.logger.Error("entryservice: io loop check tail failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		if next >= tail {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		for next < tail {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if _, ok := s.cache.Get(next); ok {
				next++
				continue
			}

			blob, err := s.log.Read(ctx, next)
			if err != nil {
				if cruzerr.IsNotWritten(err) {
					// Single-node reference setups never leave holes;
					// spin briefly rather than skip past a position we
					// must not lose.
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					continue
				}
				s.logger.Error("entryservice: io loop read failed", "pos", next, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				continue
			}

			entry, err := wire.Decode(blob)
			if err != nil {
				s.logger.Error("entryservice: io loop decode failed", "pos", next, "error", err)
				next++
				continue
			}

			switch entry.Kind {
			case wire.KindAfterImage:
				entry.AfterImage.Position = next
				s.cache.Insert(next, entrycache.Entry{Kind: entrycache.KindAfterImage, AfterImage: entry.AfterImage})
				s.matcher.Push(entry.AfterImage, next)
			case wire.KindIntention:
				entry.Intention.Position = next
				s.cache.Insert(next, entrycache.Entry{Kind: entrycache.KindIntention, Intention: entry.Intention})
			default:
				s.logger.Error("entryservice: io loop saw unrecognized entry kind", "pos", next, "kind", entry.Kind)
			}

			next++
		}
	}
}

// intentionLoop fans intentions out to every registered queue in log
// order, serving the pre-fetch cache before falling back to the log.
func (s *Service) intentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pos, ok := s.minQueuePosition()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		var in *wire.Intention
		if entry, ok := s.prefetch.Get(pos); ok && entry.Kind == entrycache.KindIntention {
			in = entry.Intention
		} else {
			blob, err := s.log.Read(ctx, pos)
			if err != nil {
				if cruzerr.IsNotWritten(err) {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					continue
				}
				s.logger.Error("entryservice: intention loop read failed", "pos", pos, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				continue
			}

			entry, err := wire.Decode(blob)
			if err != nil {
				s.logger.Error("entryservice: intention loop decode failed", "pos", pos, "error", err)
				s.fanOutSkip(pos)
				continue
			}

			if entry.Kind != wire.KindIntention {
				// Not an intention: every queue waiting on this position
				// simply skips past it.
				s.fanOutSkip(pos)
				continue
			}

			entry.Intention.Position = pos
			in = entry.Intention
		}

		s.fanOut(pos, in)
	}
}

func (s *Service) minQueuePosition() (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queues) == 0 {
		return 0, false
	}

	var (
		min   types.Position
		first = true
	)
	for _, q := range s.queues {
		p := q.Position()
		if first || p < min {
			min = p
			first = false
		}
	}
	return min, true
}

func (s *Service) fanOut(pos types.Position, in *wire.Intention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if pos >= q.Position() {
			if err := q.Push(in); err != nil {
				s.logger.Error("entryservice: queue push rejected", "pos", pos, "error", err)
			}
		}
	}
}

// fanOutSkip advances every queue sitting exactly at pos past a log slot
// that turned out not to be an intention, without delivering anything.
func (s *Service) fanOutSkip(pos types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.Position() == pos {
			q.SkipTo(pos + 1)
		}
	}
}
