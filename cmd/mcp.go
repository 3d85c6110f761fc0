package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/mcp"
	"github.com/theapemachine/agentwire/pkg/stores"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the task engine as MCP tools on stdio",
	Long:  longMCP,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.GetViper()

		card := a2a.NewAgentCardFromConfig()
		if card.Name == "" {
			card.Name = projectName
		}

		manager, err := tasks.NewManager(
			card,
			tasks.WithStore(stores.NewInMemoryTaskStore()),
			tasks.WithProcessor(buildProcessor(v)),
		)
		if err != nil {
			return err
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			manager.Shutdown(ctx)
		}()

		return mcp.NewBridge(card, manager, buildSanitizer(v)).ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var longMCP = `
Run an embedded task engine and serve it over the Model Context Protocol on
stdin/stdout: task_send, task_get and task_cancel.  An MCP-speaking client
(an editor, an LLM runtime) can drive the same lifecycle the socket serves.

Example MCP client configuration:
  { "command": "agentwire", "args": ["mcp"] }
`
