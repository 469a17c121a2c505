package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/ocfd/internal/transport/mqtt"
	"golang.org/x/term"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an MQTT password for the config file",
	Long: `Reads a password and prints the bcrypt hash to put in mqtt.users[].password_hash.

The password is prompted for without echo on a terminal, otherwise the first
line of stdin is used.

Examples:
  ocfd hash-password
  echo -n secret | ocfd hash-password`,
	Args: cobra.NoArgs,
	RunE: runHashPassword,
}

func runHashPassword(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	password, err := readPassword(cmd)
	if err != nil {
		return err
	}
	if len(password) == 0 {
		return errors.New("empty password")
	}

	hash, err := mqtt.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func readPassword(cmd *cobra.Command) ([]byte, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		defer fmt.Fprintln(cmd.ErrOrStderr())
		return term.ReadPassword(int(f.Fd()))
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
