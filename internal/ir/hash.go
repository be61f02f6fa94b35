package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainFlow prefixes every flow fingerprint.
// The version suffix changes whenever the canonical payload shape changes.
const DomainFlow = "weavster/flow/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalPayload returns the canonical JSON that Fingerprint hashes.
// Description is excluded. Artifacts must be loaded.
func CanonicalPayload(f *Flow) ([]byte, error) {
	transforms := make(IRArray, len(f.Transforms))
	for i, t := range f.Transforms {
		if t == nil {
			return nil, fmt.Errorf("transforms[%d]: nil transform", i)
		}
		transforms[i] = t.canonical()
	}

	outputs := make(IRArray, len(f.Outputs))
	for i, o := range f.Outputs {
		outputs[i] = o.canonical()
	}

	artifacts := make(IRArray, len(f.Artifacts))
	for i, a := range f.Artifacts {
		if !a.Loaded() {
			return nil, fmt.Errorf("artifact %q is not loaded", a.Name)
		}
		artifacts[i] = IRObject{
			"name": IRString(a.Name),
			"kind": IRString(a.Kind),
			"data": a.Data.canonical(),
		}
	}

	handling := f.ErrorHandling
	if handling == "" {
		handling = LogAndSkip
	}

	obj := IRObject{
		"ir_version":     IRString(IRVersion),
		"name":           IRString(f.Name),
		"input":          IRString(f.Input),
		"error_handling": IRString(handling),
		"transforms":     transforms,
		"outputs":        outputs,
		"artifacts":      artifacts,
	}
	return MarshalCanonical(obj)
}

// Fingerprint computes the content-addressed identity of a flow: the
// lowercase hex SHA-256 of the domain prefix and the canonical payload.
// Structurally identical flows have identical fingerprints across runs.
func Fingerprint(f *Flow) (string, error) {
	canonical, err := CanonicalPayload(f)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFlow, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(f *Flow) string {
	fp, err := Fingerprint(f)
	if err != nil {
		panic(err)
	}
	return fp
}
