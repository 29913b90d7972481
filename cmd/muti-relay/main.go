// Package main provides the CLI entry point for muti-relay, a NAT
// traversal relay and agent.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/protocol"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "muti-relay",
		Short: "muti-relay - publish services that sit behind NAT",
		Long: `muti-relay publishes TCP services that sit behind NAT or a firewall.

An agent next to the service keeps one outbound connection to a public
relay. The relay binds a public port for every tunnel the agent
registers and carries each external connection back to the agent as a
multiplexed stream.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(initCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "muti-relay %s\n", Version)
			fmt.Fprintf(out, "  protocol: %d\n", protocol.ProtocolVersion)
			fmt.Fprintf(out, "  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
