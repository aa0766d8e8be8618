// Package mutator implements edgefuzz's byte-level mutation operators and
// the Havoc stack that drives them, in the tradition of AFL's havoc stage.
// Every operator is stateless: it takes a buffer and returns a mutated
// copy; the Stack owns operator selection and the optional splice/
// dictionary extensions.
package mutator

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// maxGrowthGuard bounds runaway growth from a single havoc round; the
// engine separately enforces the configured max seed size at ingestion,
// so this is only a backstop against pathological repeated growth within
// one Havoc call.
const maxGrowthGuard = 100 * 1024

// Mutator is a single stateless byte-level mutation operator.
type Mutator interface {
	// Name is the operator's short identifier, used in telemetry/logging.
	Name() string
	// Mutate returns a mutated copy of input. It must never panic, even on
	// empty input; returning the input unchanged (or an empty result) is
	// an acceptable response to degenerate input.
	Mutate(input []byte) ([]byte, error)
}

// Registry stores the operators a Stack chooses from, in insertion order.
type Registry struct {
	mu       sync.RWMutex
	mutators map[string]Mutator
	order    []string
}

// NewRegistry creates an empty mutator registry.
func NewRegistry() *Registry {
	return &Registry{
		mutators: make(map[string]Mutator),
	}
}

// Register adds m to the registry, keyed by its Name().
func (r *Registry) Register(m Mutator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.mutators[name]; !exists {
		r.order = append(r.order, name)
	}
	r.mutators[name] = m
}

// Get retrieves a mutator by name.
func (r *Registry) Get(name string) (Mutator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.mutators[name]
	return m, exists
}

// All returns every registered mutator in insertion order.
func (r *Registry) All() []Mutator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Mutator, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.mutators[name])
	}
	return result
}

// Names returns the names of every registered mutator, in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Remove deletes a mutator by name, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mutators[name]; !exists {
		return false
	}
	delete(r.mutators, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// PeerSource supplies a second buffer for splice, typically a random
// seed's data drawn from the scheduler's corpus. ok is false when no peer
// is available (e.g. an empty corpus).
type PeerSource func() (peer []byte, ok bool)

// Stack is the ordered collection of mutators a Havoc pass chooses from,
// plus an optional splice peer source and dictionary token list.
type Stack struct {
	registry *Registry
	peers    PeerSource
	tokens   [][]byte
}

// NewStack builds the default AFL-style operator stack: bit_flip,
// byte_flip, arithmetic, interesting, insert, delete. splice and
// token-insert are handled separately since they need auxiliary state
// rather than operating purely on the buffer.
func NewStack() *Stack {
	r := NewRegistry()
	for _, m := range []Mutator{
		NewBitFlipMutator(1),
		NewBitFlipMutator(2),
		NewBitFlipMutator(4),
		NewByteFlipMutator(1),
		NewByteFlipMutator(2),
		NewByteFlipMutator(4),
		NewArithmeticMutator(1, 35),
		NewArithmeticMutator(2, 35),
		NewArithmeticMutator(4, 35),
		NewInterestingMutator(1),
		NewInterestingMutator(2),
		NewInterestingMutator(4),
		NewInsertMutator(),
		NewDeleteMutator(),
	} {
		r.Register(m)
	}
	return &Stack{registry: r}
}

// Registry exposes the underlying operator registry, mainly so telemetry
// can report which operators are active.
func (s *Stack) Registry() *Registry {
	return s.registry
}

// SetPeerSource installs the splice peer source. Without one, splice is
// simply never selected.
func (s *Stack) SetPeerSource(p PeerSource) {
	s.peers = p
}

// SetTokens installs an optional dictionary of tokens. An empty/nil list
// disables the token-insert operator entirely.
func (s *Stack) SetTokens(tokens [][]byte) {
	s.tokens = tokens
}

// candidateCount is how many operator slots a havoc round chooses among:
// the registered operators, plus splice if a peer source is set, plus
// token-insert if a dictionary is loaded.
func (s *Stack) candidateCount(mutators []Mutator) int {
	n := len(mutators)
	if s.peers != nil {
		n++
	}
	if len(s.tokens) > 0 {
		n++
	}
	return n
}

// applyOne applies the operator at the given candidate index to input.
// Failures (including "no peer available") are reported via ok=false so
// Havoc can swallow them and keep the buffer unchanged.
func (s *Stack) applyOne(idx int, mutators []Mutator, input []byte) (out []byte, ok bool) {
	if idx < len(mutators) {
		mutated, err := mutators[idx].Mutate(input)
		if err != nil {
			return nil, false
		}
		return mutated, true
	}
	idx -= len(mutators)

	if s.peers != nil {
		if idx == 0 {
			peer, have := s.peers()
			if !have {
				return nil, false
			}
			return Splice(input, peer), true
		}
		idx--
	}

	if len(s.tokens) > 0 && idx == 0 {
		return insertToken(input, s.tokens), true
	}

	return nil, false
}

// Havoc runs `iterations` rounds of randomly selected mutations over
// input, in the manner of AFL's havoc stage. Failures of an individual
// round are swallowed and the buffer from before that round is kept, so
// Havoc itself never fails and never panics, even on empty input.
func (s *Stack) Havoc(input []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = 16
	}
	mutators := s.registry.All()
	candidates := s.candidateCount(mutators)
	if candidates == 0 {
		return input
	}

	current := input
	for i := 0; i < iterations; i++ {
		idx := secureRandomInt(candidates)
		mutated, ok := s.applyOne(idx, mutators, current)
		if !ok {
			continue
		}
		if len(mutated) > len(current)+maxGrowthGuard {
			continue
		}
		current = mutated
	}
	return current
}

// insertToken splices a random dictionary token verbatim into input at a
// random position, AFL's "dictionary" trick.
func insertToken(input []byte, tokens [][]byte) []byte {
	tok := tokens[secureRandomInt(len(tokens))]
	pos := secureRandomInt(len(input) + 1)

	out := make([]byte, 0, len(input)+len(tok))
	out = append(out, input[:pos]...)
	out = append(out, tok...)
	out = append(out, input[pos:]...)
	return out
}

// Splice concatenates a random prefix of a with a random suffix of b at
// random cut points. If either side is empty, the other is returned
// unchanged.
func Splice(a, b []byte) []byte {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}

	cutA := secureRandomInt(len(a) + 1)
	cutB := secureRandomInt(len(b) + 1)

	out := make([]byte, 0, cutA+(len(b)-cutB))
	out = append(out, a[:cutA]...)
	out = append(out, b[cutB:]...)
	return out
}

// secureRandomInt returns a cryptographically sourced random number in
// [0, max). Used throughout the package instead of math/rand so mutation
// choices are not predictable from a known seed.
func secureRandomInt(max int) int {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(b[:])
	return int(n % uint64(max))
}

// secureRandomBytes returns n cryptographically sourced random bytes.
func secureRandomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}
