package ring

import "runtime"

// Spinner paces a busy-wait loop around TryEnqueue/TryDequeue misses.
// The first few misses burn cycles (the expected case: the peer is one
// cache-line write away), after which every 64th miss yields the processor
// so a co-scheduled peer goroutine can run.
type Spinner struct {
	misses int
}

const yieldEvery = 64

// Pause records one miss and occasionally yields.
func (s *Spinner) Pause() {
	s.misses++
	if s.misses%yieldEvery == 0 {
		runtime.Gosched()
	}
}

// Reset clears the miss counter after a successful operation.
func (s *Spinner) Reset() {
	s.misses = 0
}
