// random_sim floods the engine with randomly generated limit orders and
// reports throughput: the synthetic-load counterpart of replay_sim.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pulse-match/config"
	"pulse-match/domain"
	"pulse-match/matching"
	"pulse-match/ring"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: random_sim <num_shards> <ring_size> <num_producers> <mailbox_size> <num_symbols> <rate_per_sec> <duration_sec> [seed]")
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 8 {
		usage()
		return 2
	}
	args := make([]uint64, 0, 8)
	for _, raw := range os.Args[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			usage()
			return 2
		}
		args = append(args, v)
	}
	var (
		numShards    = int(args[0])
		ringSize     = int(args[1])
		numProducers = int(args[2])
		mailboxSize  = int(args[3])
		numSymbols   = int(args[4])
		ratePerSec   = args[5]
		durationSec  = args[6]
		seed         = int64(123456789)
	)
	if len(args) >= 8 {
		seed = int64(args[7])
	}
	if numSymbols <= 0 {
		usage()
		return 2
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cfg := config.Load()
	engCfg := cfg.MatchingConfig()
	engCfg.Shards = numShards
	engCfg.RingCapacity = ringSize

	engine, err := matching.NewMatchingEngine(engCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	engine.Start()

	ingress, err := matching.NewIngressCoordinator(engine, numProducers, mailboxSize, logger)
	if err != nil {
		engine.Shutdown()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ingress.Start()

	// One trade consumer per shard drains the outboxes while the run is hot.
	var consumersRunning atomic.Bool
	consumersRunning.Store(true)
	consumerDone := make(chan struct{})
	for s := 0; s < numShards; s++ {
		go func(shard int) {
			defer func() { consumerDone <- struct{}{} }()
			r := engine.TradeReaderForShard(shard)
			var (
				tr domain.Trade
				sp ring.Spinner
			)
			for consumersRunning.Load() {
				if !r.TryDequeue(&tr) {
					sp.Pause()
				}
			}
			for r.TryDequeue(&tr) {
			}
		}(s)
	}

	// Per-symbol base price plus jitter so books overlap and trade.
	rng := rand.New(rand.NewSource(seed))
	baseCents := make([]int64, numSymbols)
	for i := range baseCents {
		baseCents[i] = 5_000 + int64((i%100)*10) // $50.00 + offset
	}

	startTs := time.Now()
	endTs := startTs.Add(time.Duration(durationSec) * time.Second)
	var nanosPerOrder uint64
	if ratePerSec > 0 {
		nanosPerOrder = 1_000_000_000 / ratePerSec
	}
	var orderSeq uint64 = 1

	for time.Now().Before(endTs) {
		loopStart := time.Now()

		ord := domain.Order{
			ID:       orderSeq,
			SymbolID: uint32(rng.Intn(numSymbols)),
			Op:       domain.OpNew,
			Type:     domain.OrderTypeLimit,
			TIF:      domain.TIFDay,
			Qty:      int32(rng.Intn(100) + 1),
		}
		orderSeq++
		if rng.Intn(2) == 0 {
			ord.Side = domain.SideBuy
		} else {
			ord.Side = domain.SideSell
		}
		ord.PriceCents = baseCents[ord.SymbolID] + int64(rng.Intn(101)-50) // +/- $0.50

		ingress.Submit(ord)

		if nanosPerOrder > 0 {
			if elapsed := time.Since(loopStart); elapsed < time.Duration(nanosPerOrder) {
				time.Sleep(time.Duration(nanosPerOrder) - elapsed)
			}
		}
	}
	genEndTs := time.Now()
	generated := orderSeq - 1

	// Wait until every generated order has been applied by the shards.
	var sp ring.Spinner
	for engine.ProcessedCount()+engine.DroppedCount() < generated {
		sp.Pause()
	}
	processedEndTs := time.Now()

	ingress.Stop()
	consumersRunning.Store(false)
	for s := 0; s < numShards; s++ {
		<-consumerDone
	}
	engine.Shutdown()

	genDur := genEndTs.Sub(startTs)
	drainDur := processedEndTs.Sub(genEndTs)
	totalDur := processedEndTs.Sub(startTs)

	fmt.Printf("Produced:  %d\n", generated)
	fmt.Printf("Enqueued:  %d\n", engine.EnqueuedCount())
	fmt.Printf("Dropped:   %d\n", engine.DroppedCount())
	fmt.Printf("Processed: %d\n", engine.ProcessedCount())
	fmt.Printf("Trades:    %d\n", engine.TradesCount())
	fmt.Printf("Gen ms:    %d\n", genDur.Milliseconds())
	fmt.Printf("Drain ms:  %d\n", drainDur.Milliseconds())
	fmt.Printf("Total ms:  %d\n", totalDur.Milliseconds())
	if totalDur > 0 {
		fmt.Printf("Throughput: %d orders/s\n", int64(float64(generated)/totalDur.Seconds()))
	}
	return 0
}
