package compiler

import (
	"fmt"
	"sort"

	"github.com/roach88/compose/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrDuplicateChannel = "E101" // two manifests declare the same channel
	ErrUnknownReducer   = "E102" // reducer not in the catalog
	ErrSeedCycle        = "E103" // seed_from chain loops
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateChannels checks a set of compiled manifests against each other
// and against the reducers known to the caller.
// Returns all errors found (does not fail-fast), sorted by field.
//
// A seed_from naming a channel outside the set is allowed: a migrated
// channel may seed from a version that is no longer declared.
func ValidateChannels(specs []ir.ChannelSpec, knownReducer func(name string) bool) []ValidationError {
	var errs []ValidationError

	byChannel := make(map[string]string, len(specs))
	for _, spec := range specs {
		field := "channel." + spec.ID
		if prev, ok := byChannel[spec.Channel]; ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("channel %s already declared by %q", spec.Channel, prev),
				Code:    ErrDuplicateChannel,
			})
			continue
		}
		byChannel[spec.Channel] = spec.ID

		if knownReducer != nil && !knownReducer(spec.Reducer) {
			errs = append(errs, ValidationError{
				Field:   field + ".reducer",
				Message: fmt.Sprintf("unknown reducer %q", spec.Reducer),
				Code:    ErrUnknownReducer,
			})
		}
	}

	seeds := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.SeedFrom != "" {
			seeds[spec.Channel] = spec.SeedFrom
		}
	}
	for _, spec := range specs {
		if spec.SeedFrom == "" {
			continue
		}
		seen := map[string]bool{spec.Channel: true}
		for cur := spec.SeedFrom; cur != ""; cur = seeds[cur] {
			if seen[cur] {
				errs = append(errs, ValidationError{
					Field:   "channel." + spec.ID + ".seed_from",
					Message: fmt.Sprintf("seed chain from %s loops at %s", spec.Channel, cur),
					Code:    ErrSeedCycle,
				})
				break
			}
			seen[cur] = true
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}
