package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainReducer = "compose/reducer/v1"
	DomainValue   = "compose/value/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ReducerFingerprint identifies a reducer definition by its caller-supplied
// name and version. Two writers of the same channel that disagree on the
// fingerprint are running different reducers.
func ReducerFingerprint(name, version string) (string, error) {
	canonical, err := MarshalCanonical(Object{
		"name":    String(name),
		"version": String(version),
	})
	if err != nil {
		return "", fmt.Errorf("ReducerFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainReducer, canonical), nil
}

// ValueDigest hashes a reduced value. Replay uses it to compare a rebuilt
// value with a stored snapshot without printing both.
func ValueDigest(v Value) (string, error) {
	canonical, err := marshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ValueDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainValue, canonical), nil
}

// MustReducerFingerprint is like ReducerFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustReducerFingerprint(name, version string) string {
	fp, err := ReducerFingerprint(name, version)
	if err != nil {
		panic(err)
	}
	return fp
}

// NewReducerIdentity builds the identity record persisted next to a
// channel's initial snapshot.
func NewReducerIdentity(name, version string) (ReducerIdentity, error) {
	fp, err := ReducerFingerprint(name, version)
	if err != nil {
		return ReducerIdentity{}, err
	}
	return ReducerIdentity{Name: name, Version: version, Fingerprint: fp}, nil
}
