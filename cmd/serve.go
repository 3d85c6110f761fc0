package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/auth"
	rpcerrors "github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/processor"
	"github.com/theapemachine/agentwire/pkg/sanitize"
	"github.com/theapemachine/agentwire/pkg/service"
	"github.com/theapemachine/agentwire/pkg/stores"
	"github.com/theapemachine/agentwire/pkg/stores/file"
	"github.com/theapemachine/agentwire/pkg/stores/s3"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent server",
	Long:  longServe,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.GetViper()

		card := a2a.NewAgentCardFromConfig()
		if card.Name == "" {
			card.Name = projectName
		}

		validator, devToken, err := buildValidator(v)
		if err != nil {
			return err
		}

		store, err := buildStore(cmd.Context(), v)
		if err != nil {
			return err
		}

		server, err := service.NewServer(service.ServerConfig{
			Card: card,
			Addr: fmt.Sprintf("%s:%d", v.GetString("HOST"), v.GetInt("PORT")),
			Socket: service.SocketConfig{
				Addr: fmt.Sprintf("%s:%d", v.GetString("HOST"), v.GetInt("SOCKET_PORT")),
			},
			Validator: validator,
			Store:     store,
			Processor: buildProcessor(v),
			Sanitizer: buildSanitizer(v),
			Sessions: auth.RegistryConfig{
				TTL: time.Duration(v.GetInt("SESSION_TIMEOUT")) * time.Second,
			},
			TrafficLimit: auth.LimiterConfig{
				Points:        v.GetInt("RATE_LIMIT_POINTS"),
				Duration:      time.Duration(v.GetInt("RATE_LIMIT_DURATION")) * time.Second,
				BlockDuration: time.Duration(v.GetInt("RATE_LIMIT_BLOCK")) * time.Second,
			},
			QueueCapacity:     v.GetInt("SUBSCRIBER_QUEUE_CAPACITY"),
			MonitoringTimeout: time.Duration(v.GetInt("MONITORING_TIMEOUT_MS")) * time.Millisecond,
		})
		if err != nil {
			return err
		}

		if devToken != "" {
			log.Warn("JWT_SECRET is not set; bearer tokens only work for this process")
			fmt.Printf("development token: %s\n", devToken)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			log.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return <-errCh
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

/*
buildValidator wires the bearer verifier from JWT_* keys.  Without a
JWT_SECRET the server still has to be usable out of the box, so it falls
back to a process-lifetime random secret and mints one development token
against it.
*/
func buildValidator(v *viper.Viper) (*auth.TokenValidator, string, error) {
	secret := []byte(v.GetString("JWT_SECRET"))
	ephemeral := len(secret) == 0

	if ephemeral {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, "", fmt.Errorf("generate ephemeral secret: %w", err)
		}
	}

	validator := auth.NewTokenValidator(auth.ValidatorConfig{
		Secret:   secret,
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: v.GetString("JWT_AUDIENCE"),
	})

	if !ephemeral {
		return validator, "", nil
	}

	token, err := validator.IssueToken("developer", []string{"tasks:read", "tasks:write"})
	if err != nil {
		return nil, "", fmt.Errorf("issue development token: %w", err)
	}

	return validator, token, nil
}

/*
buildStore picks the task store backend: s3 for shared durability, file
for a single node that must survive restarts, in-memory otherwise.
*/
func buildStore(ctx context.Context, v *viper.Viper) (stores.TaskStore, error) {
	switch backend := v.GetString("TASK_STORE"); backend {
	case "s3":
		// The bucket endpoint often comes up alongside the server, so give
		// it a few tries before giving up on boot.
		var conn *s3.Conn
		err := rpcerrors.Retry(ctx, rpcerrors.DefaultRetryConfig(), func() error {
			var connErr error
			conn, connErr = s3.NewConn(ctx, s3.ConnConfig{
				Endpoint:  v.GetString("S3_ENDPOINT"),
				AccessKey: v.GetString("S3_ACCESS_KEY"),
				SecretKey: v.GetString("S3_SECRET_KEY"),
				Bucket:    v.GetString("S3_BUCKET"),
				UseSSL:    v.GetBool("S3_USE_SSL"),
			})
			return connErr
		})
		if err != nil {
			return nil, err
		}

		log.Info("task store ready", "backend", "s3", "bucket", v.GetString("S3_BUCKET"))
		return s3.NewStore(conn), nil

	case "file":
		dir := v.GetString("STATE_DIR")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(home, "."+projectName, "tasks")
		}

		store, err := file.NewStore(dir)
		if err != nil {
			return nil, err
		}

		log.Info("task store ready", "backend", "file", "dir", dir)
		return store, nil

	case "", "memory":
		return stores.NewInMemoryTaskStore(), nil

	default:
		return nil, fmt.Errorf("unknown TASK_STORE %q (want memory, file or s3)", backend)
	}
}

// buildProcessor picks the agent logic: openai when a key is configured,
// the echo processor otherwise.
func buildProcessor(v *viper.Viper) tasks.TaskProcessor {
	key := v.GetString("OPENAI_API_KEY")

	if key == "" {
		log.Info("no OPENAI_API_KEY set, using the echo processor")
		return processor.Echo{}
	}

	proc, err := processor.NewOpenAI(processor.OpenAIConfig{
		APIKey:       key,
		BaseURL:      v.GetString("OPENAI_BASE_URL"),
		Model:        v.GetString("OPENAI_MODEL"),
		SystemPrompt: v.GetString("agent.systemPrompt"),
	})
	if err != nil {
		log.Warn("openai processor unavailable, falling back to echo", "error", err)
		return processor.Echo{}
	}

	log.Info("using the openai processor")
	return proc
}

func buildSanitizer(v *viper.Viper) *sanitize.Sanitizer {
	opts := []sanitize.Option{}

	if n := v.GetInt("MAX_PARTS"); n > 0 {
		opts = append(opts, sanitize.WithMaxParts(n))
	}
	if n := v.GetInt("MAX_TEXT_BYTES"); n > 0 {
		opts = append(opts, sanitize.WithMaxTextBytes(n))
	}
	if n := v.GetInt("MAX_MESSAGE_BYTES"); n > 0 {
		opts = append(opts, sanitize.WithMaxMessageBytes(n))
	}

	return sanitize.New(opts...)
}

var longServe = `
Run the agent server: HTTP on HOST:PORT for the agent card, credential
exchange, health, metrics and the SSE mirror; the duplex socket on
HOST:SOCKET_PORT for everything interactive.

The processor is chosen at startup: with OPENAI_API_KEY set, replies are
streamed from the configured model; without it, the server echoes.

Tasks live in memory unless TASK_STORE selects the file backend (one JSON
file per task under STATE_DIR) or the s3 backend (S3_ENDPOINT, S3_BUCKET
and credentials).

Examples:
  # Serve with a fixed signing secret
  JWT_SECRET=change-me agentwire serve

  # Serve an OpenAI-backed agent on custom ports
  OPENAI_API_KEY=sk-... PORT=8080 SOCKET_PORT=8081 agentwire serve

  # Keep tasks across restarts
  TASK_STORE=file agentwire serve
`
