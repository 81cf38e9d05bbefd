// Package resolver decides how a silent token request is answered from a
// cache snapshot: with a cached access token, with a refresh, or not at all.
//
// Resolve is pure. It reads the view it is given, never writes, and returns
// the same Decision for the same view, request and time regardless of the
// order the view enumerates records in.
package resolver
