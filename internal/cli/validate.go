package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/compiler"
	"github.com/roach88/compose/internal/reducers"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Channels []string                   `json:"channels,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [manifests-dir]",
		Short: "Validate channel manifests",
		Long: `Compile every CUE channel manifest and check the set for consistency:
duplicate channel names, reducers missing from the catalog and seed_from
chains that loop.

The directory defaults to the manifests setting of compose.yaml.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Manifests
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return WrapExitError(ExitCommandError, ErrCodeConfig+": failed to load configuration", err)
				}
				dir = cfg.Manifests
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loaded, loadErrors := LoadManifests(dir, LoadModeCollectAll)
	if loaded == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			validationErrors = append(validationErrors, compiler.ValidationError{
				Field:   fieldOf(loadErr),
				Message: loadErr.Message,
				Code:    loadErr.Code,
			})
			continue
		}
		validationErrors = append(validationErrors, compiler.ValidationError{
			Field:   "load",
			Message: err.Error(),
			Code:    ErrCodeGeneric,
		})
	}

	catalog := reducers.Default()
	for _, spec := range loaded.Channels {
		formatter.VerboseLog("Validating channel: %s (reducer %s@%s)", spec.Channel, spec.Reducer, spec.ReducerVersion)
	}
	validationErrors = append(validationErrors, compiler.ValidateChannels(loaded.Channels, func(name string) bool {
		_, ok := catalog.Lookup(name)
		return ok
	})...)

	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	return outputValidateSuccess(formatter, loaded.Names())
}

// fieldOf renders the source position of a load error, or "load".
func fieldOf(err *LoadError) string {
	if err.Pos.IsValid() {
		return fmt.Sprintf("%s:%d", err.Pos.Filename(), err.Pos.Line())
	}
	return "load"
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, channels []string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Channels: channels})
	}

	for _, name := range channels {
		fmt.Fprintf(formatter.Writer, "  %s\n", name)
	}
	fmt.Fprintf(formatter.Writer, "✓ All manifests valid (%d channel(s))\n", len(channels))
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "%s\n", err.Field)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
