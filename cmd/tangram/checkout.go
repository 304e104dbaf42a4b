package main

import (
	"github.com/spf13/cobra"

	"tangram.dev/tangram/pkg/checkout"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/server"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <root-id> <path>",
	Short: "Materialize an object graph onto the filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}
		rootID, err := id.Parse(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := server.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		return checkout.New(st).Run(ctx, object.NewObjectEdge(rootID), args[1])
	},
}
