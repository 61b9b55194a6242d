// Package ir provides the value and record types shared by every compose package.
//
// This package contains type definitions and their serialization only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Values are JSON-shaped: Null, String, Int, Bool, Array, Object
//   - NO float types anywhere - numbers are int64
//   - Object keys serialize in RFC 8785 order so stored snapshots and
//     fingerprints are byte-identical across writers
//   - All JSON tags use snake_case
package ir
