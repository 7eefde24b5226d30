package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitFailure      = 1 // validation failed or the evaluation was negative
	exitCommandError = 2 // bad input, unreadable files
)

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func commandError(format string, args ...any) error {
	return &exitError{code: exitCommandError, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

type rootOptions struct {
	rules  string
	format string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "secupointsctl",
		Short: "Inspect SecuPoints rule catalogs and run events through the engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return commandError("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.rules, "rules", "r", "configs/rules.yaml", "rule catalog YAML file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newRulesCommand(opts))
	cmd.AddCommand(newEvalCommand(opts))
	cmd.AddCommand(newProcessCommand(opts))
	cmd.AddCommand(newLevelCommand(opts))

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readData decodes a JSON object given inline or, with a leading '@', from
// a file.
func readData(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	raw := []byte(arg)
	if arg[0] == '@' {
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, commandError("read data: %v", err)
		}
		raw = b
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, commandError("data must be a JSON object: %v", err)
	}
	return data, nil
}
