package matching

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pulse-match/domain"
	"pulse-match/ring"
)

// IngressCoordinator fans the single decoder stream out to the shard inboxes
// without ever putting two writers on one ring.
//
// Stages: the decoder thread calls Submit, which routes into one of K
// private mailboxes; K producer goroutines each drain their own mailbox and
// forward to the shards they own. Shard assignment is symbolID mod N and
// producer assignment is shard mod K — a partition, not a hash, so a shard
// inbox only ever sees its one producer.
type IngressCoordinator struct {
	engine    *MatchingEngine
	producers []*producerCtx

	running atomic.Bool
	wg      sync.WaitGroup

	logger *zap.Logger
}

type producerCtx struct {
	mailbox *ring.Ring[domain.Order]
	writer  ring.Writer[domain.Order]
	reader  ring.Reader[domain.Order]
	owned   []int // shards this producer exclusively feeds, informational
}

// NewIngressCoordinator wires K producer mailboxes in front of the engine.
// Mailbox capacity must be a power of two.
func NewIngressCoordinator(engine *MatchingEngine, numProducers, mailboxCapacity int, logger *zap.Logger) (*IngressCoordinator, error) {
	if numProducers <= 0 {
		numProducers = 1
	}
	if mailboxCapacity <= 0 || mailboxCapacity&(mailboxCapacity-1) != 0 {
		return nil, fmt.Errorf("matching: mailbox capacity must be a power of 2, got %d", mailboxCapacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ic := &IngressCoordinator{engine: engine, logger: logger}
	ic.producers = make([]*producerCtx, numProducers)
	for i := range ic.producers {
		p := &producerCtx{mailbox: ring.New[domain.Order](mailboxCapacity)}
		p.writer = p.mailbox.Writer()
		p.reader = p.mailbox.Reader()
		for s := i; s < engine.ShardCount(); s += numProducers {
			p.owned = append(p.owned, s)
		}
		ic.producers[i] = p
	}
	return ic, nil
}

// NumProducers returns K.
func (ic *IngressCoordinator) NumProducers() int {
	return len(ic.producers)
}

// ProducerOfShard returns the index of the producer that exclusively feeds
// the given shard.
func (ic *IngressCoordinator) ProducerOfShard(shard int) int {
	return shard % len(ic.producers)
}

// Start launches the producer goroutines. Idempotent.
func (ic *IngressCoordinator) Start() {
	if !ic.running.CompareAndSwap(false, true) {
		return
	}
	for i := range ic.producers {
		ic.wg.Add(1)
		go ic.producerLoop(i)
	}
	ic.logger.Info("ingress started", zap.Int("producers", len(ic.producers)))
}

// Stop flips the running flag and joins the producers. Each producer
// best-effort forwards what is left in its mailbox before exiting and
// reports anything it had to abandon as dropped.
func (ic *IngressCoordinator) Stop() {
	if !ic.running.CompareAndSwap(true, false) {
		return
	}
	ic.wg.Wait()
	ic.logger.Info("ingress stopped")
}

// Submit accepts one order from the decoder thread and spin-waits it into
// the owning producer's mailbox. Single caller thread only: the decoder is
// the one producer of every mailbox. Returns false only when the
// coordinator is stopped, in which case the order is counted as dropped.
func (ic *IngressCoordinator) Submit(ord domain.Order) bool {
	shard := ic.engine.ShardOf(ord.SymbolID)
	w := ic.producers[ic.ProducerOfShard(shard)].writer
	var sp ring.Spinner
	for !w.TryEnqueue(ord) {
		if !ic.running.Load() {
			ic.engine.NoteDropped()
			return false
		}
		sp.Pause()
	}
	return true
}

func (ic *IngressCoordinator) producerLoop(idx int) {
	defer ic.wg.Done()
	p := ic.producers[idx]
	var (
		ord domain.Order
		sp  ring.Spinner
	)
	for ic.running.Load() {
		if !p.reader.TryDequeue(&ord) {
			sp.Pause()
			continue
		}
		sp.Reset()
		ic.forward(ord)
	}
	// Drain what the decoder managed to hand us before the stop; no spinning
	// on a full inbox past this point.
	for p.reader.TryDequeue(&ord) {
		shard := ic.engine.ShardOf(ord.SymbolID)
		if !ic.engine.EnqueueToShard(shard, ord) {
			ic.engine.NoteDropped()
		}
	}
}

// forward spin-waits one order into its shard inbox. Gives up (and counts a
// drop) only when the coordinator or the engine is shutting down.
func (ic *IngressCoordinator) forward(ord domain.Order) {
	shard := ic.engine.ShardOf(ord.SymbolID)
	var sp ring.Spinner
	for !ic.engine.EnqueueToShard(shard, ord) {
		if !ic.running.Load() || !ic.engine.Running() {
			ic.engine.NoteDropped()
			return
		}
		sp.Pause()
	}
}
