package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/server"
)

var checkinCmd = &cobra.Command{
	Use:   "checkin <path>",
	Short: "Check a filesystem path into the object graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := server.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		idx, err := server.OpenIndex(cfg)
		if err != nil {
			return err
		}
		defer idx.Close()

		result, err := checkin.Checkin(ctx, args[0], st, idx, checkin.Options{
			Chunk: checkin.ChunkParams{Min: cfg.Chunker.MinSize, Avg: cfg.Chunker.AvgSize, Max: cfg.Chunker.MaxSize},
		})
		if err != nil {
			return err
		}
		fmt.Println(result.Root.String())
		return nil
	},
}
