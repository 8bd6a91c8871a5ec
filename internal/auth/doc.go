// Package auth signs users in against the hosted auth service and keeps
// their session fresh.
//
// Client speaks the token endpoints. Bridge owns the current session,
// exposes the JustLoggedIn edge and refreshes the access token ahead of
// its expiry, handing every new token to the registered TokenSinks.
package auth
