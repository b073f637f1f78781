// Package api hosts the ops HTTP server started next to a stage run.
// Routes:
//   - GET /healthz and /readyz for liveness and store reachability.
//   - GET /metrics for Prometheus scraping.
//   - GET /pool for the session pool of the fetch stage in progress.
//   - GET /stages and /runs/{run_id} for the stage catalog and run log.
package api
