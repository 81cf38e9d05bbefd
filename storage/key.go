package storage

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-tokencache/authority"
)

// CacheKey is the lookup identity of a cached credential.
//
// Scopes is the only field that may change after construction, through
// SetScopes. All comparisons are pure and never fail.
type CacheKey struct {
	Authority     string
	Scopes        []string
	ClientID      string
	UniqueID      string
	DisplayableID string
	HomeAccountID string
	Policy        string
}

// KeyOption sets an optional CacheKey field.
type KeyOption func(*CacheKey)

// WithUniqueID sets the user's unique (object) id.
func WithUniqueID(id string) KeyOption { return func(k *CacheKey) { k.UniqueID = id } }

// WithDisplayableID sets the user's displayable id, usually the UPN.
func WithDisplayableID(id string) KeyOption { return func(k *CacheKey) { k.DisplayableID = id } }

// WithHomeAccountID sets the home account id.
func WithHomeAccountID(id string) KeyOption { return func(k *CacheKey) { k.HomeAccountID = id } }

// WithPolicy sets the B2C policy or tenant qualifier.
func WithPolicy(policy string) KeyOption { return func(k *CacheKey) { k.Policy = policy } }

// NewCacheKey builds a key. The authority is canonicalized; scopes are kept
// as given. An empty client id or authority is an ErrInvalidArgument.
func NewCacheKey(authorityURL string, scopes []string, clientID string, opts ...KeyOption) (CacheKey, error) {
	if strings.TrimSpace(clientID) == "" {
		return CacheKey{}, fmt.Errorf("%w: client id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(authorityURL) == "" {
		return CacheKey{}, fmt.Errorf("%w: authority is required", ErrInvalidArgument)
	}

	canonical, err := authority.Canonicalize(authorityURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	k := CacheKey{
		Authority: canonical,
		ClientID:  clientID,
	}
	if scopes != nil {
		k.Scopes = slices.Clone(scopes)
	}
	for _, opt := range opts {
		opt(&k)
	}
	return k, nil
}

// SetScopes replaces the scope set. Internal callers use it after normalizing.
func (k *CacheKey) SetScopes(scopes []string) {
	if scopes == nil {
		k.Scopes = nil
		return
	}
	k.Scopes = slices.Clone(scopes)
}

// Equals reports whether k and other identify the same credential.
//
// Authority compares exactly, scopes compare as sets, and the client and user
// fields compare case-insensitively. An empty field only equals an empty field.
func (k CacheKey) Equals(other CacheKey) bool {
	return k.Authority == other.Authority &&
		k.ScopeEquals(other.Scopes) &&
		strings.EqualFold(k.ClientID, other.ClientID) &&
		strings.EqualFold(k.UniqueID, other.UniqueID) &&
		strings.EqualFold(k.DisplayableID, other.DisplayableID) &&
		strings.EqualFold(k.HomeAccountID, other.HomeAccountID) &&
		strings.EqualFold(k.Policy, other.Policy)
}

// Hash returns a hash consistent with Equals.
func (k CacheKey) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.hashString()))
	return h.Sum64()
}

func (k CacheKey) hashString() string {
	var scopes string
	if k.Scopes != nil {
		set := uniqueSorted(k.Scopes)
		// Distinguish an empty set from a nil one.
		scopes = "[" + strings.Join(set, " ") + "]"
	}
	return strings.Join([]string{
		k.Authority,
		scopes,
		strings.ToLower(k.ClientID),
		strings.ToLower(k.UniqueID),
		strings.ToLower(k.DisplayableID),
		strings.ToLower(k.HomeAccountID),
		strings.ToLower(k.Policy),
	}, "\x00")
}

// ScopeEquals reports set equality with other. Two nil sets are equal; a nil
// set never equals a non-nil one.
func (k CacheKey) ScopeEquals(other []string) bool {
	if k.Scopes == nil || other == nil {
		return k.Scopes == nil && other == nil
	}
	return ScopeSetContains(k.Scopes, other) && ScopeSetContains(other, k.Scopes)
}

// ScopeContains reports whether every scope in other is in k's scopes.
// A nil other is always contained.
func (k CacheKey) ScopeContains(other []string) bool {
	if other == nil {
		return true
	}
	return ScopeSetContains(k.Scopes, other)
}

// ScopeIntersects reports whether k and other share at least one scope.
func (k CacheKey) ScopeIntersects(other []string) bool {
	return ScopeSetIntersects(k.Scopes, other)
}

// String is for logs; it never contains secrets.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Authority, k.ClientID, k.HomeAccountID, strings.Join(k.Scopes, " "))
}

func uniqueSorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
