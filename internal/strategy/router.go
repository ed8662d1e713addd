// Package strategy routes targets to the crawl strategy registered for their
// type. Concrete strategies live in the subpackages.
package strategy

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Router dispatches Execute to a per-type Strategy, falling back to a
// default when one is set.
type Router struct {
	routes   map[swarm.TargetType]swarm.Strategy
	fallback swarm.Strategy
}

// NewRouter builds a Router. fallback may be nil, in which case unrouted
// types fail with fatal-strategy.
func NewRouter(fallback swarm.Strategy) *Router {
	return &Router{
		routes:   make(map[swarm.TargetType]swarm.Strategy),
		fallback: fallback,
	}
}

// Handle registers s for typ, replacing any earlier registration.
func (r *Router) Handle(typ swarm.TargetType, s swarm.Strategy) *Router {
	r.routes[typ] = s
	return r
}

// Execute runs the strategy registered for target.Type.
func (r *Router) Execute(ctx context.Context, target swarm.Target, report swarm.ProgressFunc) (swarm.Result, error) {
	s, ok := r.routes[target.Type]
	if !ok {
		s = r.fallback
	}
	if s == nil {
		return swarm.Result{}, swarm.Fatal(fmt.Errorf("no strategy registered for %s targets", target.Type))
	}
	return s.Execute(ctx, target, report)
}
