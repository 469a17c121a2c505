package main

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs rootCmd in-process. Every cmd/ocfd suite embeds it.
type CommandTestSuite struct {
	suite.Suite
}

// SetupTest returns every command to its pristine state.
func (s *CommandTestSuite) SetupTest() {
	resetCommand(rootCmd)
}

func resetCommand(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	// cobra hands the first context down to subcommands and keeps it
	cmd.SetContext(nil) //nolint:staticcheck
	for _, c := range cmd.Commands() {
		resetCommand(c)
	}
}

// ExecuteCommand runs rootCmd with args and stdin, returning stdout, stderr
// and the error.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, stdin string, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(io.NopCloser(strings.NewReader(stdin)))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}
