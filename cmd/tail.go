package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/sse"
)

var (
	tailURLFlag string

	tailCmd = &cobra.Command{
		Use:   "tail",
		Short: "Follow the live event mirror of a running server",
		Long:  longTail,
		RunE:  runTail,
	}
)

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailURLFlag, "url", "http://localhost:3210", "HTTP origin of the agent")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	taskStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	stateStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)

	mirror := sse.NewClient(sse.Config{
		URL: strings.TrimRight(tailURLFlag, "/") + "/events",
	})

	err := mirror.TailUpdates(ctx, func(event a2a.Event) {
		stamp := timeStyle.Render(time.Now().Format("15:04:05"))
		taskID, _ := event.Ref()

		switch ev := event.(type) {
		case a2a.TaskStatusUpdateEvent:
			line := fmt.Sprintf("%s  %s  %s", stamp, taskStyle.Render(taskID), stateStyle.Render(string(ev.Status.State)))
			if ev.Final {
				line += "  (final)"
			}
			fmt.Println(line)
		case a2a.TaskArtifactUpdateEvent:
			size := 0
			for _, part := range ev.Artifact.Parts {
				size += len(part.Text)
			}
			fmt.Printf("%s  %s  artifact %s: %d bytes\n", stamp, taskStyle.Render(taskID), ev.Artifact.ArtifactID, size)
		}
	})

	// A canceled context is the normal way out of a tail.
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var longTail = `
Attach to a server's /events mirror and print every task update as it
happens.  The mirror is read-only and lossy: it shows what the server is
doing right now, it is not a delivery channel.

Example:
  agentwire tail --url http://localhost:3210
`
