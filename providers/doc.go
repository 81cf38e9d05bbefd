// Package providers defines the collaborators the token cache talks to: the
// token endpoint that redeems grants, and the interactive authorizer that
// obtains an authorization code from the user.
//
// The types here are wire-agnostic. providers/oidc implements TokenEndpoint
// over HTTP; providers/mock holds test doubles.
package providers
