package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kabili207/sosmesh-go/internal/node"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print this device's node id, creating the key pair if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := node.LoadIdentity(cfg)
		if err != nil {
			return err
		}
		nid := id.NodeID()
		fmt.Fprintf(cmd.OutOrStdout(), "node id: %s\n", nid.String())
		fmt.Fprintf(cmd.OutOrStdout(), "short:   %s\n", nid.Short())
		fmt.Fprintf(cmd.OutOrStdout(), "file:    %s\n", cfg.Resolve(cfg.Node.IdentityFile))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
}
