package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tangram.dev/tangram/pkg/id"
)

var (
	spawnServer    string
	spawnCacheable bool
	spawnWait      bool
)

// spawnCmd submits a process to a running tangram server. Unlike the
// embedded-mode subcommands, spawning needs the runtime and its
// sandbox, which only `tangram serve` owns, so this talks HTTP.
var spawnCmd = &cobra.Command{
	Use:   "spawn <command-id>",
	Short: "Spawn a process for a stored command on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdID, err := id.Parse(args[0])
		if err != nil {
			return err
		}

		body, err := json.Marshal(map[string]any{
			"command":   cmdID.String(),
			"cacheable": spawnCacheable,
		})
		if err != nil {
			return err
		}

		base := strings.TrimRight(spawnServer, "/")
		resp, err := http.Post(base+"/processes", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			msg, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("spawn returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var proc struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Exit   *int   `json:"exit"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&proc); err != nil {
			return err
		}
		fmt.Println(proc.ID)

		if !spawnWait {
			return nil
		}
		for {
			time.Sleep(250 * time.Millisecond)
			getResp, err := http.Get(base + "/processes/" + proc.ID)
			if err != nil {
				return err
			}
			err = json.NewDecoder(getResp.Body).Decode(&proc)
			getResp.Body.Close()
			if err != nil {
				return err
			}
			if proc.Status == "finished" {
				if proc.Exit != nil && *proc.Exit != 0 {
					return fmt.Errorf("process %s exited with status %d", proc.ID, *proc.Exit)
				}
				return nil
			}
		}
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnServer, "server", "http://127.0.0.1:8476", "base URL of the tangram server to spawn on")
	spawnCmd.Flags().BoolVar(&spawnCacheable, "cacheable", false, "share output with an equal cacheable command that already finished")
	spawnCmd.Flags().BoolVar(&spawnWait, "wait", false, "block until the process finishes, failing on a non-zero exit")
}
