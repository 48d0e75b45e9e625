// Package api implements the tunnelboard HTTP API.
//
// # Endpoints
//
//   - /healthz, /metrics - liveness and Prometheus metrics (always open)
//   - /api/auth/* - login, token refresh, logout and password management
//   - /api/settings - snapshot of every server and client entry
//   - /api/servers, /api/clients - create, patch and delete entries by index
//   - /api/audit, /api/logs, /api/tasks, /api/health - operational read-outs
//   - /api/ws - WebSocket feed; topic "entries" carries the settings snapshot
//
// # Authentication
//
// With no password set every route is open. Once a password exists, routes
// other than the auth endpoints need a bearer access token whose session is
// still active. WebSocket clients may pass the token as ?access_token=.
package api
