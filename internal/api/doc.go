// Package api is a small JSON REST client for the hosted backend's HTTP
// services. Every request carries the anonymous key in the apikey header;
// calls made on behalf of a user add a bearer token.
//
// 5xx and 429 responses are retried with jittered exponential backoff.
package api
