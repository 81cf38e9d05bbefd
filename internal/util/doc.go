// Package util provides small helpers shared across the token cache packages.
//
// Key utilities:
//   - SafeTruncate: truncates identifiers before they are logged
//   - NormalizeURL: trailing-slash normalization for resource and authority comparison
//   - ClassifyHost: host classification used to reject internal authority hosts
package util
