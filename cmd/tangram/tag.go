package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/server"
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Inspect and manage tags",
}

var tagGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Resolve a tag to its current item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}
		idx, err := server.OpenIndex(cfg)
		if err != nil {
			return err
		}
		defer idx.Close()

		item, err := idx.ResolveTag(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(item.String())
		return nil
	},
}

var tagSetCmd = &cobra.Command{
	Use:   "set <name> <item-id>",
	Short: "Point a tag at an item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}
		itemID, err := id.Parse(args[1])
		if err != nil {
			return err
		}

		idx, err := server.OpenIndex(cfg)
		if err != nil {
			return err
		}
		defer idx.Close()

		return idx.PutTag(cmd.Context(), args[0], itemID)
	},
}

var tagDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}
		idx, err := server.OpenIndex(cfg)
		if err != nil {
			return err
		}
		defer idx.Close()

		return idx.DeleteTag(cmd.Context(), args[0])
	},
}

func init() {
	tagCmd.AddCommand(tagGetCmd, tagSetCmd, tagDeleteCmd)
}
