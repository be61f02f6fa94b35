// Package ir provides the typed intermediate representation of a flow.
//
// This package contains type definitions, canonical JSON, and the flow
// fingerprint. All other internal packages import ir; ir imports nothing
// internal.
//
// Key design constraints:
//   - Transform, FilterCondition, ArtifactData and IRValue are sealed
//   - Fingerprints hash RFC 8785 canonical JSON of a versioned payload
//   - Artifact payloads are part of the fingerprint; file paths are not
package ir
