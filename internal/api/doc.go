// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/audio/smart-cut, /v1/audio/probe, /v1/audio/merge_tracks,
//     /v1/video/concatenate and /v1/ffmpeg/compose submit jobs. Requests
//     with a webhook_url are acknowledged with 202 and delivered later;
//     the rest block until the job finishes.
//   - GET /v1/jobs/{job_id} reports a job while it is in flight.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
