package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/security"
)

// envelopeVersion is the current on-disk record format.
const envelopeVersion = 1

// envelope wraps every stored record.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Version int             `json:"v"`
	Sealed  bool            `json:"sealed,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// secretKinds are the kinds whose Secret field is sealed at rest.
var secretKinds = []Kind{KindAccessToken, KindRefreshToken, KindIDToken}

// sealer encrypts secret fields with a per-kind key.
//
// SECURITY: each kind uses its own HKDF sub-key, so a sealed refresh token
// cannot be opened as an access token even if records are swapped on disk.
type sealer struct {
	byKind  map[Kind]*security.Encryptor
	metrics *instrumentation.Metrics
}

func newSealer(enc *security.Encryptor, metrics *instrumentation.Metrics) (*sealer, error) {
	s := &sealer{metrics: metrics}
	if !enc.IsEnabled() {
		return s, nil
	}

	s.byKind = make(map[Kind]*security.Encryptor, len(secretKinds))
	for _, kind := range secretKinds {
		sub, err := enc.Derive("tokencache/" + string(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", kind, err)
		}
		s.byKind[kind] = sub
	}
	return s, nil
}

func (s *sealer) enabled() bool {
	return s != nil && s.byKind != nil
}

func (s *sealer) seal(ctx context.Context, r Record) (Record, bool, error) {
	sr, ok := r.(secretRecord)
	if !ok || !s.enabled() {
		return r, false, nil
	}
	sealed, err := s.byKind[r.Kind()].Encrypt(sr.secret())
	if err != nil {
		return nil, false, fmt.Errorf("failed to seal %s: %w", r.Kind(), err)
	}
	s.metrics.RecordEncryptionOperation(ctx, "encrypt")
	return sr.withSecret(sealed), true, nil
}

func (s *sealer) open(ctx context.Context, r Record, sealed bool) (Record, error) {
	sr, ok := r.(secretRecord)
	if !ok {
		return r, nil
	}
	// A sealed record without a key, or a plain record while encryption is
	// on, cannot be trusted.
	if sealed != s.enabled() {
		return nil, fmt.Errorf("%w: %s sealed=%t but encryption enabled=%t", ErrCorruptRecord, r.Kind(), sealed, s.enabled())
	}
	if !sealed {
		return r, nil
	}
	plain, err := s.byKind[r.Kind()].Decrypt(sr.secret())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	s.metrics.RecordEncryptionOperation(ctx, "decrypt")
	return sr.withSecret(plain), nil
}

// encodeRecord validates, seals and wraps r.
func (s *sealer) encodeRecord(ctx context.Context, r Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	stored, sealed, err := s.seal(ctx, r)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", r.Kind(), err)
	}
	out, err := json.Marshal(envelope{
		Kind:    r.Kind(),
		Version: envelopeVersion,
		Sealed:  sealed,
		Data:    data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

// decodeRecord is the inverse of encodeRecord. Every failure wraps
// ErrCorruptRecord.
func (s *sealer) decodeRecord(ctx context.Context, key string, raw []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrCorruptRecord, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, env.Version)
	}

	var r Record
	switch env.Kind {
	case KindAccessToken:
		r = &AccessToken{}
	case KindRefreshToken:
		r = &RefreshToken{}
	case KindIDToken:
		r = &IDToken{}
	case KindAccount:
		r = &Account{}
	case KindAppMetadata:
		r = &AppMetadata{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptRecord, env.Kind)
	}

	if err := json.Unmarshal(env.Data, r); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrCorruptRecord, env.Kind, err)
	}

	r, err := s.open(ctx, r, env.Sealed)
	if err != nil {
		return nil, err
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if nk := r.NaturalKey(); nk != key {
		return nil, fmt.Errorf("%w: %s stored under foreign key", ErrCorruptRecord, env.Kind)
	}
	return r, nil
}
