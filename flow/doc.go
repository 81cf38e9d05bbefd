// Package flow drives silent token acquisition.
//
// An Orchestrator resolves a request against a cache snapshot. A hit is
// answered from the cache. A miss fails with *InteractionRequiredError. A
// refresh redeems the chosen refresh token at the token endpoint and writes
// the response back in one store update.
//
// Concurrent refreshes for the same client, account, authority and scopes are
// coalesced into one endpoint call. The leader re-resolves on a fresh snapshot
// before calling out, so a refresh that landed meanwhile becomes a hit.
//
// Endpoint failures are classified:
//
//   - invalid_grant removes the refresh token and requires interaction
//   - interaction_required, consent_required and login_required require interaction
//   - transport failures, 5xx and 429 are retryable *ServiceError values
//   - everything else is a non-retryable *ServiceError
//
// Only invalid_grant changes the cache. A cancelled context never writes.
package flow
