// Package api is the operator HTTP API of the Tuya bridge.
//
// It exposes the managed devices (phase, connection, readings, command
// table, data-point slots), runs commands, re-fetches specifications,
// scans the cloud account and adds or removes runtime devices. Operators
// watch live readings per device over a WebSocket stream. Actions that
// change device state are recorded in the audit trail. Prometheus metrics
// are served on the configured metrics path.
//
// Every /api/v1 route except health and login requires an operator bearer
// token obtained from POST /api/v1/auth/login. The WebSocket takes the same
// token as the access_token query parameter.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
