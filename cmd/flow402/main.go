// Command flow402 runs the Flow402 credit-metering gateway: a Cobra root
// command with `serve` and `migrate` subcommands, mirroring the shape of
// jmehdipour-sms-gateway's command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "flow402",
		Short: "Flow402 credit-metering gateway",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
