package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/client"
)

const updateCapability = "onTaskUpdate"

var (
	baseURLFlag   string
	socketURLFlag string
	tokenFlag     string

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Chat with an agent over its duplex socket",
		Long:  longClient,
		RunE:  runClient,
	}
)

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().StringVar(&baseURLFlag, "url", "http://localhost:3210", "HTTP origin of the agent")
	clientCmd.Flags().StringVar(&socketURLFlag, "socket", "ws://localhost:3211", "duplex socket endpoint")
	clientCmd.Flags().StringVar(&tokenFlag, "token", "", "bearer credential (defaults to AGENTWIRE_TOKEN)")
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credential := tokenFlag
	if credential == "" {
		credential = viper.GetString("AGENTWIRE_TOKEN")
	}
	if credential == "" {
		return fmt.Errorf("no credential: pass --token or set AGENTWIRE_TOKEN")
	}

	agent, err := client.NewAgentClient(client.Config{
		BaseURL:    baseURLFlag,
		SocketURL:  socketURLFlag,
		Credential: credential,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	card, err := agent.FetchAgentCard(ctx)
	if err != nil {
		return err
	}
	fmt.Println(card.String())

	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Faint(true)
	agentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	promptStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)

	// Settled fires whenever the task stops needing us to wait: a terminal
	// event, or a park asking for more input.
	settled := make(chan a2a.TaskState, 4)
	printed := map[string]bool{}

	agent.On(updateCapability, func(ctx context.Context, event a2a.Event) error {
		switch ev := event.(type) {
		case a2a.TaskStatusUpdateEvent:
			fmt.Println(statusStyle.Render("· " + string(ev.Status.State)))

			if ev.Status.Message != nil && ev.Status.State.Interruptible() {
				printParkedPrompt(ev.Status.Message, agentStyle, statusStyle)
			}

			if ev.Final || ev.Status.State.Interruptible() {
				settled <- ev.Status.State
			}

		case a2a.TaskArtifactUpdateEvent:
			// The closing chunk consolidates text that already streamed.
			replay := ev.LastChunk && !ev.Append && printed[ev.Artifact.ArtifactID]
			printed[ev.Artifact.ArtifactID] = true

			if replay {
				break
			}

			for _, part := range ev.Artifact.Parts {
				if part.Kind == a2a.PartKindText {
					fmt.Print(agentStyle.Render(part.Text))
				}
			}

			if ev.LastChunk {
				fmt.Println()
			}
		}

		return nil
	})

	if _, err := agent.Connect(ctx); err != nil {
		return err
	}

	fmt.Println(statusStyle.Render("connected; type a message, /quit to leave"))

	scanner := bufio.NewScanner(os.Stdin)
	pendingTask := ""

	for {
		fmt.Print(promptStyle.Render("you › "))

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		message := a2a.NewTextMessage(a2a.RoleUser, line)
		message.TaskID = pendingTask

		task, err := agent.SendMessageStreaming(ctx, a2a.MessageSendParams{
			Message:  *message,
			Callback: updateCapability,
		})
		if err != nil {
			log.Error("send failed", "error", err)
			continue
		}

		select {
		case state := <-settled:
			if state.Interruptible() {
				pendingTask = task.ID
			} else {
				pendingTask = ""
			}
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Minute):
			log.Warn("no terminal update", "task_id", task.ID)
		}
	}

	return scanner.Err()
}

/*
printParkedPrompt renders the agent's ask-for-input message.  A form part
gets its instructions and field names spelled out; anything else prints as
plain text.
*/
func printParkedPrompt(message *a2a.Message, agentStyle, statusStyle lipgloss.Style) {
	for _, part := range message.Parts {
		form, ok := a2a.AsForm(part)
		if !ok {
			continue
		}

		if form.Instructions != "" {
			fmt.Println(agentStyle.Render(form.Instructions))
		}
		for field := range form.Form {
			fmt.Println(statusStyle.Render("  field: " + field))
		}
		return
	}

	fmt.Println(agentStyle.Render(message.String()))
}

var longClient = `
A line-oriented chat client: every line becomes a message to the agent, and
status and artifact updates stream back as they happen.  When the agent
parks a task to ask for more input, the next line resumes that task.

Examples:
  agentwire client --token $AGENTWIRE_TOKEN
  agentwire client --url http://agent:3210 --socket ws://agent:3211 --token $TOKEN
`
