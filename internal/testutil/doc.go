// Package testutil provides testing utilities for the token cache: a
// controllable clock, record builders, and builders for the ID tokens and
// client_info blobs a token endpoint returns.
package testutil
