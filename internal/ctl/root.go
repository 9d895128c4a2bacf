// Package ctl implements scrollctl, the command line front end of the
// agent's local API.
package ctl

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const AppName = "scrollctl"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "scrollctl - talk to the local scrollmeter agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	defaultAgent := os.Getenv("SCROLLMETER_AGENT_URL")
	if defaultAgent == "" {
		defaultAgent = "http://127.0.0.1:8480"
	}
	cmd.PersistentFlags().String("agent", defaultAgent, "base URL of the agent API")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewLoginCmd(),
		NewLogoutCmd(),
		NewScrollCmd(),
		NewStatsCmd(),
		NewQueueCmd(),
		NewSyncCmd(),
		NewFlagsCmd(),
	)
	return cmd
}

// env is what every command needs from the persistent flags.
type env struct {
	client   *client
	jsonMode bool
	now      func() time.Time
}

func getEnv(cmd *cobra.Command) env {
	base, _ := cmd.Flags().GetString("agent")
	jsonMode, _ := cmd.Flags().GetBool("json")
	return env{client: newClient(base), jsonMode: jsonMode, now: time.Now}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	if apiErr, ok := err.(*apiError); ok && apiErr.Status == 401 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: sign in first with: scrollctl login <user-id>")
	}
	return err
}
