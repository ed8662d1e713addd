// Package swarm holds the data model of the crawl swarm: targets, worker
// state, crawl outcomes, aggregate statistics, the error taxonomy and the
// interfaces that decouple the coordinator from crawl execution.
//
// Ownership rule: a Target is held by exactly one of the queue, one worker or
// the aggregator at any instant. Values are copied on every hand-off so no
// two goroutines share a mutable Target.
package swarm
