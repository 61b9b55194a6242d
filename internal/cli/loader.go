package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/compose/internal/compiler"
	"github.com/roach88/compose/internal/ir"
)

// LoadMode controls how errors are handled during manifest loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the channel manifests loaded from a directory.
type LoadResult struct {
	Channels  []ir.ChannelSpec
	CUEValue  cue.Value
	FileCount int
}

// Channel returns the manifest of the named channel.
func (r *LoadResult) Channel(name string) (ir.ChannelSpec, bool) {
	for _, spec := range r.Channels {
		if spec.Channel == name {
			return spec, true
		}
	}
	return ir.ChannelSpec{}, false
}

// Names returns the declared channel names in sorted order.
func (r *LoadResult) Names() []string {
	names := make([]string, len(r.Channels))
	for i, spec := range r.Channels {
		names[i] = spec.Channel
	}
	sort.Strings(names)
	return names
}

// LoadError represents an error that occurred during manifest loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadManifests loads the CUE files in dir and compiles every field of
// the top-level channel struct.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadManifests(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("manifests directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing manifests directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}

	var errs []error
	channels := value.LookupPath(cue.ParsePath("channel"))
	if !channels.Exists() {
		return result, []error{&LoadError{Code: ErrCodeNoChannels, Message: "no channel manifests found"}}
	}

	iter, err := channels.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating channels: %v", err)}}
	}
	for iter.Next() {
		spec, compileErr := compiler.CompileChannel(iter.Value())
		if compileErr != nil {
			errs = append(errs, convertCompileError(compileErr, "channel."+iter.Label()))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Channels = append(result.Channels, *spec)
	}

	if len(result.Channels) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoChannels, Message: "no channel manifests found"})
	}

	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeNoChannels  = "E008" // No channel struct in the manifests

	// Manifest compile errors
	ErrCodeChannelName = "E110" // Invalid domain, name or version
	ErrCodeReducer     = "E111" // Missing or empty reducer
	ErrCodeValue       = "E112" // Invalid initial or loading value
	ErrCodeSeed        = "E113" // Invalid seed_from

	// Runtime errors
	ErrCodeConfig     = "E201" // Configuration could not be loaded
	ErrCodeBackend    = "E202" // Event log could not be opened
	ErrCodeUnknown    = "E203" // Channel not declared in the manifests
	ErrCodeEmitFailed = "E204" // Emit failed
	ErrCodeAttach     = "E205" // Attach failed
	ErrCodeMismatch   = "E206" // Replay disagrees with the snapshot
	ErrCodeCache      = "E207" // Local cache error
	ErrCodeBadAction  = "E208" // Action is not valid JSON
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "domain", field == "name", field == "version":
		return ErrCodeChannelName
	case field == "reducer", field == "reducer_version":
		return ErrCodeReducer
	case strings.HasPrefix(field, "initial"), strings.HasPrefix(field, "loading"):
		return ErrCodeValue
	case field == "seed_from":
		return ErrCodeSeed
	default:
		return ErrCodeGeneric
	}
}
