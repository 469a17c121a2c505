package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/ocfd/internal/resource"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the discoverable resources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		links, err := c.Discover(ctx)
		if err != nil {
			return err
		}
		return newPrinter(cmd).links(links)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Retrieve a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		p, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return newPrinter(cmd).payload(p)
	},
}

var setCmd = &cobra.Command{
	Use:   "set <path> <key=value>...",
	Short: "Update a resource",
	Long: `Sends an update built from key=value pairs. Values that parse as JSON
(numbers, true, false, quoted strings) keep their type; anything else is
sent as a string.

Examples:
  ocfctl set /a/rgbled rgbValue=0,128,255`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		p, err := c.Update(ctx, args[0], req)
		if err != nil {
			return err
		}
		return newPrinter(cmd).payload(p)
	},
}

var observeCount int

var observeCmd = &cobra.Command{
	Use:   "observe <path>",
	Short: "Print every state change of a resource until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pr := newPrinter(cmd)
		seen := 0
		var printErr error
		err = c.Observe(ctx, args[0], func(p *resource.Payload) bool {
			if printErr = pr.payload(p); printErr != nil {
				return false
			}
			seen++
			return observeCount <= 0 || seen < observeCount
		})
		if err != nil {
			return err
		}
		return printErr
	},
}

func init() {
	observeCmd.Flags().IntVarP(&observeCount, "count", "n", 0, "Stop after this many payloads (0 = until interrupted)")
}

// parseAssignments turns key=value arguments into an update payload.
func parseAssignments(args []string) (*resource.Payload, error) {
	p := resource.NewPayload()
	for _, a := range args {
		key, raw, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		p.Set(key, v)
	}
	return p, nil
}
