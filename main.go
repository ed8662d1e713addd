// Command crawl-swarm runs the swarm crawl coordinator.
//
// Architecture overview:
//   - Controller: internal/controller owns one run at a time (queue, aggregator, worker pool) and moves it through
//     stopped, starting, running and stopping. Targets left pending at stop are carried into the next run.
//   - Queue & pool: a stable priority queue feeds a supervised pool of workers. Crashed workers are replaced and their
//     in-flight target is requeued once per crash, up to swarm.max_crash_requeues.
//   - Strategy: crawl execution is injected. The colly strategy fetches surface, social and api targets directly and
//     overlay targets through the configured Tor or I2P proxy; the simulated strategy exercises the coordinator
//     without network access.
//   - Events: workers and the controller emit into a non-blocking progress hub. Sinks log, export Prometheus metrics,
//     archive terminal outcomes (Postgres, SQLite, GCS or memory) and publish to Pub/Sub. WebSocket clients subscribe
//     via /v1/swarm/events.
//   - Configuration: Viper reads an optional file plus SWARM_* environment variables; an optional .env file is
//     loaded first.
//
// Quick checklist:
//   - Serve the control plane: crawl-swarm serve --config config.yaml
//   - Batch run: crawl-swarm run --targets targets.yaml (prints final stats as JSON)
package main

import (
	"github.com/JakeFAU/crawl-swarm/cmd"
)

func main() {
	cmd.Execute()
}
