// Package scheduler implements the energy-weighted seed priority queue:
// an AFL-FAST-inspired max-heap where popping a seed decays its priority
// and reinserts it, so no seed can be starved or hog the queue forever.
package scheduler

import (
	"container/heap"
	"time"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

const (
	minEnergy = 1.0
	maxEnergy = 10000.0
)

// Scheduler is a single-threaded priority queue of seeds. It owns its
// seeds outright: Pop returns a live pointer into the heap, not a copy.
type Scheduler struct {
	strategy model.SchedulerStrategy

	heap      seedHeap      // used when strategy == StrategyEnergy
	fifo      []*model.Seed // used when strategy == StrategyFIFO
	fifoIndex int           // next FIFO slot to hand out, wraps around
	seq       int

	totalExecTime time.Duration
	totalCoverage int
	totalMemory   int

	maxSeeds       int // 0 = unbounded
	maxMemoryBytes int // 0 = unbounded
}

// New creates a Scheduler using the given strategy. An unrecognized
// strategy defaults to energy-weighted scheduling.
func New(strategy model.SchedulerStrategy) *Scheduler {
	if strategy != model.StrategyFIFO {
		strategy = model.StrategyEnergy
	}
	s := &Scheduler{strategy: strategy}
	heap.Init(&s.heap)
	return s
}

// SetCapacity bounds the scheduler: a maximum seed count and a maximum
// total seed-data memory, in bytes. Either may be 0 to leave that bound
// unbounded. Existing seeds are evicted immediately if the new bounds
// are already exceeded.
func (s *Scheduler) SetCapacity(maxSeeds, maxMemoryBytes int) {
	s.maxSeeds = maxSeeds
	s.maxMemoryBytes = maxMemoryBytes
	s.enforceCapacity()
}

// Push adds a new seed built from data, coverageBits and execTime. Under
// the energy strategy its initial energy is computed immediately from
// the running averages; under FIFO it is simply appended.
func (s *Scheduler) Push(data []byte, coverageBits int, execTime time.Duration) {
	seed := &model.Seed{
		Data:         data,
		CoverageBits: coverageBits,
		ExecTime:     execTime,
	}

	s.totalExecTime += execTime
	s.totalCoverage += coverageBits
	s.totalMemory += len(data)

	if s.strategy == model.StrategyFIFO {
		s.fifo = append(s.fifo, seed)
		s.enforceCapacity()
		return
	}

	seed.Energy = s.calculateEnergy(seed, len(s.heap))
	s.seq++
	heap.Push(&s.heap, &heapItem{seed: seed, seq: s.seq})
	s.enforceCapacity()
}

// enforceCapacity evicts seeds until both the seed-count and memory bounds
// are satisfied. Under the energy strategy the lowest-energy seed is
// evicted; under FIFO, the oldest. A seed that was just inserted is never
// evicted if it is the only one present.
func (s *Scheduler) enforceCapacity() {
	for s.overCapacity() {
		if s.strategy == model.StrategyFIFO {
			if len(s.fifo) <= 1 {
				return
			}
			s.evictOldest()
			continue
		}
		if s.heap.Len() <= 1 {
			return
		}
		s.evictLowestEnergy()
	}
}

func (s *Scheduler) overCapacity() bool {
	if s.maxSeeds > 0 && s.Len() > s.maxSeeds {
		return true
	}
	if s.maxMemoryBytes > 0 && s.totalMemory > s.maxMemoryBytes {
		return true
	}
	return false
}

func (s *Scheduler) evictOldest() {
	if len(s.fifo) == 0 {
		return
	}
	evicted := s.fifo[0]
	s.fifo = s.fifo[1:]
	s.dropFromTotals(evicted)
	if s.fifoIndex > 0 {
		s.fifoIndex--
	}
}

func (s *Scheduler) evictLowestEnergy() {
	if s.heap.Len() == 0 {
		return
	}
	worstIdx := 0
	for i := 1; i < len(s.heap); i++ {
		if s.heap[i].seed.Energy < s.heap[worstIdx].seed.Energy {
			worstIdx = i
		}
	}
	evicted := heap.Remove(&s.heap, worstIdx).(*heapItem)
	s.dropFromTotals(evicted.seed)
}

// dropFromTotals backs an evicted seed's contribution out of the running
// totals, so the averages feeding the energy formula track the seeds
// actually present rather than drifting high after capacity eviction.
func (s *Scheduler) dropFromTotals(seed *model.Seed) {
	s.totalMemory -= len(seed.Data)
	s.totalExecTime -= seed.ExecTime
	s.totalCoverage -= seed.CoverageBits
}

// Pop extracts the highest-priority seed. Under the energy strategy, the
// popped seed's exec_count is incremented, its energy recomputed against
// the now-reduced queue, and it is reinserted — so repeated selection
// monotonically decays its own priority without ever leaving the queue.
// Under FIFO, seeds are handed out in insertion order, wrapping back to
// the front once the queue is exhausted; exec_count still increments.
func (s *Scheduler) Pop() *model.Seed {
	if s.strategy == model.StrategyFIFO {
		if len(s.fifo) == 0 {
			return nil
		}
		if s.fifoIndex >= len(s.fifo) {
			s.fifoIndex = 0
		}
		seed := s.fifo[s.fifoIndex]
		s.fifoIndex++
		seed.ExecCount++
		return seed
	}

	if s.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&s.heap).(*heapItem)
	item.seed.ExecCount++
	item.seed.Energy = s.calculateEnergy(item.seed, s.heap.Len())
	s.seq++
	item.seq = s.seq
	heap.Push(&s.heap, item)
	return item.seed
}

// Len reports how many seeds the scheduler currently owns.
func (s *Scheduler) Len() int {
	if s.strategy == model.StrategyFIFO {
		return len(s.fifo)
	}
	return s.heap.Len()
}

// Stats returns the scheduler's aggregate counters, for telemetry and
// checkpointing.
func (s *Scheduler) Stats() model.SchedulerAggregate {
	agg := model.SchedulerAggregate{
		Strategy:      s.strategy,
		SeedCount:     s.Len(),
		TotalExecTime: s.totalExecTime,
		TotalCoverage: s.totalCoverage,
		TotalMemory:   s.totalMemory,
	}

	if s.strategy == model.StrategyFIFO {
		return agg
	}

	if len(s.heap) > 0 {
		var sum float64
		for _, item := range s.heap {
			sum += item.seed.Energy
		}
		agg.AvgEnergy = sum / float64(len(s.heap))
	}
	return agg
}

// Seeds returns every seed currently owned by the scheduler, in no
// particular order; used by checkpointing and splice peer selection.
func (s *Scheduler) Seeds() []*model.Seed {
	if s.strategy == model.StrategyFIFO {
		out := make([]*model.Seed, len(s.fifo))
		copy(out, s.fifo)
		return out
	}
	out := make([]*model.Seed, len(s.heap))
	for i, item := range s.heap {
		out[i] = item.seed
	}
	return out
}

// calculateEnergy reproduces the AFL++-inspired calculate_score scoring:
// a speed factor relative to the running average exec time, a coverage
// factor relative to the running average coverage, and a 1/(1+0.2*n)
// decay against exec_count. numSeeds is the queue's size excluding the
// seed being scored, matching how the reference implementation calls
// this both before a fresh push and right after a pop.
func (s *Scheduler) calculateEnergy(seed *model.Seed, numSeeds int) float64 {
	var avgExecUs, avgCoverage float64
	if numSeeds == 0 {
		avgExecUs = seed.ExecTime.Seconds()
		avgCoverage = float64(seed.CoverageBits)
	} else {
		avgExecUs = s.totalExecTime.Seconds() / float64(numSeeds+1)
		avgCoverage = float64(s.totalCoverage) / float64(numSeeds+1)
	}

	perfScore := 100.0
	execSecs := seed.ExecTime.Seconds()

	if avgExecUs > 0 {
		switch {
		case execSecs*0.1 > avgExecUs:
			perfScore = 10
		case execSecs*0.25 > avgExecUs:
			perfScore = 25
		case execSecs*0.5 > avgExecUs:
			perfScore = 50
		case execSecs*0.75 > avgExecUs:
			perfScore = 75
		case execSecs*4 < avgExecUs:
			perfScore = 300
		case execSecs*3 < avgExecUs:
			perfScore = 200
		case execSecs*2 < avgExecUs:
			perfScore = 150
		}
	}

	cov := float64(seed.CoverageBits)
	if avgCoverage > 0 {
		switch {
		case cov*0.3 > avgCoverage:
			perfScore *= 3
		case cov*0.5 > avgCoverage:
			perfScore *= 2
		case cov*0.75 > avgCoverage:
			perfScore *= 1.5
		case cov*3 < avgCoverage:
			perfScore *= 0.25
		case cov*2 < avgCoverage:
			perfScore *= 0.5
		case cov*1.5 < avgCoverage:
			perfScore *= 0.75
		}
	}

	if seed.ExecCount > 0 {
		perfScore /= 1.0 + 0.2*float64(seed.ExecCount)
	}

	if perfScore > maxEnergy {
		perfScore = maxEnergy
	}
	if perfScore < minEnergy {
		perfScore = minEnergy
	}
	return perfScore
}

// heapItem wraps a seed with an insertion sequence number used to break
// energy ties deterministically (earlier insertion wins).
type heapItem struct {
	seed *model.Seed
	seq  int
}

// seedHeap implements container/heap.Interface as a max-heap on energy.
type seedHeap []*heapItem

func (h seedHeap) Len() int { return len(h) }

func (h seedHeap) Less(i, j int) bool {
	if h[i].seed.Energy != h[j].seed.Energy {
		return h[i].seed.Energy > h[j].seed.Energy
	}
	return h[i].seq < h[j].seq
}

func (h seedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *seedHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *seedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
