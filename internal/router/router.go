// Package router adds ε-greedy explore/exploit candidate selection on
// top of the allocator's ranked candidate list. Pure exploitation
// (always the top score) starves lower-ranked but still-capable workers
// of the assignment history that would let their score recover, so a
// small exploration fraction keeps their signal fresh.
package router

import (
	"math/rand"
	"time"

	"github.com/taskmesh/orchestrator/internal/allocator"
)

// Router implements allocator.Selector with an exploration rate.
type Router struct {
	epsilon float64
	rand    *rand.Rand
}

// New builds a router with the given exploration fraction in [0,1].
func New(epsilon float64) *Router {
	return &Router{epsilon: epsilon, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Select returns the chosen index into an already-sorted, best-first
// candidate slice: with probability epsilon it explores by score-weighted
// sampling over the non-best candidates, otherwise it exploits the top.
// Exploration never widens the candidate set, so caps and eligibility
// are enforced before this runs.
func (r *Router) Select(candidates []allocator.Candidate) int {
	if len(candidates) <= 1 {
		return 0
	}
	if r.rand.Float64() >= r.epsilon {
		return 0
	}

	var total float64
	for _, c := range candidates[1:] {
		total += c.Score
	}
	if total <= 0 {
		return 1 + r.rand.Intn(len(candidates)-1)
	}
	roll := r.rand.Float64() * total
	for i, c := range candidates[1:] {
		roll -= c.Score
		if roll <= 0 {
			return 1 + i
		}
	}
	return len(candidates) - 1
}
