// Package gateway implements tuya.Transport by delegating the device wire
// protocol to a local gateway daemon reached over MQTT.
//
// The daemon owns the encrypted TCP sessions to the devices. The bridge
// sends it JSON requests and receives correlated responses and unsolicited
// events:
//
//	{prefix}/request/{device_id}   bridge -> gateway  {id, action, ...}
//	{prefix}/response/{device_id}  gateway -> bridge  {id, ok, error, dps}
//	{prefix}/event/{device_id}     gateway -> bridge  {type, dps}
//
// Actions are connect, status, set and close. Events are status (pushed
// data points) and disconnected (the device dropped the session).
//
// Requests are correlated by a random id; a request with no answer within
// the configured timeout fails with a *tuya.TransportError, which the
// connection supervisor treats as recoverable.
package gateway
