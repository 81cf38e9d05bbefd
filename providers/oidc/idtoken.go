package oidc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ErrMalformedToken is returned for ID tokens and client_info that cannot be
// decoded.
var ErrMalformedToken = errors.New("malformed token")

// signatureAlgorithms lists the algorithms accepted when decoding ID tokens.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256,
	jose.EdDSA,
}

// IDTokenClaims are the ID token claims used to label cached accounts.
type IDTokenClaims struct {
	Issuer            string           `json:"iss"`
	Subject           string           `json:"sub"`
	Audience          jwt.Audience     `json:"aud"`
	ObjectID          string           `json:"oid"`
	TenantID          string           `json:"tid"`
	PreferredUsername string           `json:"preferred_username"`
	Name              string           `json:"name"`
	Email             string           `json:"email"`
	UPN               string           `json:"upn"`
	IssuedAt          *jwt.NumericDate `json:"iat"`
	Expiry            *jwt.NumericDate `json:"exp"`
}

// Username returns the best displayable identifier.
func (c *IDTokenClaims) Username() string {
	for _, v := range []string{c.PreferredUsername, c.UPN, c.Email} {
		if v != "" {
			return v
		}
	}
	return ""
}

// LocalAccountID is the object id within the issuing tenant, or the subject.
func (c *IDTokenClaims) LocalAccountID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

// ParseIDToken decodes raw without verifying its signature.
func ParseIDToken(raw string) (*IDTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: id token: %v", ErrMalformedToken, err)
	}
	var claims IDTokenClaims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("%w: id token claims: %v", ErrMalformedToken, err)
	}
	return &claims, nil
}

// ClientInfo is the decoded client_info returned by Microsoft identity
// platforms.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// ParseClientInfo decodes base64url client_info, padded or not.
func ParseClientInfo(raw string) (*ClientInfo, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: client_info: %v", ErrMalformedToken, err)
	}
	var info ClientInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: client_info: %v", ErrMalformedToken, err)
	}
	if info.UID == "" || info.UTID == "" {
		return nil, fmt.Errorf("%w: client_info lacks uid or utid", ErrMalformedToken)
	}
	return &info, nil
}

// HomeAccountID derives the cache-wide account identifier: uid.utid from
// client_info, else oid.tid, else the subject. Either argument may be nil.
func HomeAccountID(info *ClientInfo, claims *IDTokenClaims) string {
	if info != nil && info.UID != "" && info.UTID != "" {
		return info.UID + "." + info.UTID
	}
	if claims == nil {
		return ""
	}
	if claims.ObjectID != "" && claims.TenantID != "" {
		return claims.ObjectID + "." + claims.TenantID
	}
	return claims.Subject
}
