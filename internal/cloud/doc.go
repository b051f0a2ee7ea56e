// Package cloud is the client for the Tuya cloud account API.
//
// The bridge never talks to the vendor endpoints directly. Requests go to a
// signing relay configured as tuya.cloud.base_url, which holds the account
// secret and forwards the calls. The client authenticates to the relay with
// the configured client id and bearer token and unwraps the vendor's
// {success, result, code, msg} envelope.
//
// Every failure is returned as a *tuya.CloudError, so callers can match it
// with errors.Is(err, tuya.ErrCloud).
package cloud
