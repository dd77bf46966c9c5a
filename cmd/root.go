package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/umit/resql/cmd/serve"
	"github.com/umit/resql/cmd/sql"
)

const (
	Version = "0.1.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "resql",
		Short: "replicated SQL store",
		Long: fmt.Sprintf(`resql (v%s)

A single-leader replicated SQL store. A Raft-replicated log feeds an
embedded SQL engine on every node; client sessions give exactly-once
command execution across retries and leader changes.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of resql",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("resql v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(sql.ClientCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
