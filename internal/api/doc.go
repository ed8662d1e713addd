// Package api hosts the HTTP control plane for a swarm. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/swarm/start, /v1/swarm/targets and /v1/swarm/stop drive the
//     controller lifecycle.
//   - GET /v1/swarm/status and /v1/swarm/results report live state.
//   - GET /v1/swarm/events streams hub events over a WebSocket.
//   - GET /v1/outcomes reads archived outcomes via store.OutcomeReader.
package api
