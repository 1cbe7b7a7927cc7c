package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/llmdock/internal/compose"
)

func newPortsCmd() *cobra.Command {
	var (
		configPath string
		next       bool
	)

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show host ports in use",
		Long:  "Lists host ports published by the compose file (static services included) or claimed by registered services. With --next, prints the next free port in the configured range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if next {
				p, err := a.compose.NextAvailablePort(a.portRange())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, p)
				return nil
			}
			used, err := a.compose.UsedPorts()
			if err != nil {
				return err
			}
			if len(used) == 0 {
				fmt.Fprintln(out, "No ports in use.")
				return nil
			}
			strs := make([]string, len(used))
			for i, p := range used {
				strs[i] = fmt.Sprint(p)
			}
			fmt.Fprintln(out, strings.Join(strs, " "))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&next, "next", false, "print the next available port")
	return cmd
}

func newComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose file commands",
	}

	cmd.AddCommand(newComposeRebuildCmd())
	cmd.AddCommand(newComposeCheckCmd())
	return cmd
}

func newComposeRebuildCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the dynamic region of the compose file",
		Long:  "Re-renders every registered service between the BEGIN/END DYNAMIC markers. Content outside the markers is preserved byte for byte.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			err = a.compose.Rebuild(cmd.Context())
			a.flushMetrics()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %s\n", a.compose.Path())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newComposeCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the current compose file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			res, err := a.compose.Check(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Validator: %s\n", res.Verdict)
			if res.Output != "" {
				fmt.Fprintln(out, strings.TrimSpace(res.Output))
			}
			if res.Verdict == compose.Fail {
				return fmt.Errorf("%s failed validation", a.compose.Path())
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
