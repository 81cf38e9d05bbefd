// Package oidc implements providers.TokenEndpoint over HTTP and decodes the
// artifacts a token endpoint returns.
//
// # Security Features
//
//   - HTTPS enforcement for token endpoints and all discovered endpoints
//   - SSRF protection for issuer URLs (blocks private IPs, localhost, link-local)
//   - Bounded response sizes and scope counts
//   - Discovery document caching with TTL
//
// # Example Usage
//
//	client, err := oidc.NewTokenClient(oidc.Config{
//	    Authority: "https://login.microsoftonline.com/common/",
//	    ClientID:  "my-client",
//	})
//	if err != nil {
//	    return err
//	}
//	resp, err := client.SubmitTokenRequest(ctx, providers.GrantTypeRefreshToken, map[string]string{
//	    providers.ParamRefreshToken: rt,
//	    providers.ParamScope:        "User.Read offline_access",
//	})
//
// Token endpoints of Microsoft Entra ID and B2C authorities are derived from
// the authority. Other issuers are resolved through
// /.well-known/openid-configuration.
//
// ID tokens are decoded with ParseIDToken without verifying the signature:
// they arrive directly from the token endpoint over TLS and are only used to
// label cached accounts.
package oidc
