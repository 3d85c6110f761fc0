/*
Package cmd implements the agentwire command-line interface: the agent
server, a line-oriented chat client, and the MCP stdio bridge.
*/
package cmd

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

/*
Embed a mini filesystem into the binary to hold the default config file.
It is written to the home directory of the user running the service on
first run, which lets a developer override any of it without rebuilding.
*/
//go:embed cfg/*
var embedded embed.FS

var (
	projectName = "agentwire"
	cfgFile     string

	rootCmd = &cobra.Command{
		Use:   "agentwire",
		Short: "An agent-to-agent protocol server with a persistent duplex socket",
		Long:  longRoot,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yml",
		"config file (default is $HOME/."+projectName+"/config.yml)",
	)
}

/*
initConfig seeds ~/.agentwire/config.yml from the embedded default when it
does not exist yet, loads a local .env, then reads the config file and binds
the environment.  Environment keys win over the file.
*/
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("no .env loaded", "error", err)
	}

	if err := writeConfig(); err != nil {
		log.Fatal("failed to seed config", "error", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	home, _ := os.UserHomeDir()
	viper.AddConfigPath(home + "/." + projectName)

	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("failed to read config", "error", err)
	}

	viper.AutomaticEnv()
	setDefaults()
}

// setDefaults registers the tunables so every component sees a sane value
// even with an empty environment.
func setDefaults() {
	viper.SetDefault("HOST", "0.0.0.0")
	viper.SetDefault("PORT", 3210)
	viper.SetDefault("SOCKET_PORT", 3211)

	viper.SetDefault("SESSION_TIMEOUT", int((time.Hour).Seconds()))

	viper.SetDefault("JWT_ISSUER", "agentwire")
	viper.SetDefault("JWT_AUDIENCE", "agentwire-clients")

	viper.SetDefault("RATE_LIMIT_POINTS", 100)
	viper.SetDefault("RATE_LIMIT_DURATION", 60)
	viper.SetDefault("RATE_LIMIT_BLOCK", 300)

	viper.SetDefault("SUBSCRIBER_QUEUE_CAPACITY", 64)
	viper.SetDefault("MONITORING_TIMEOUT_MS", 3600000)

	viper.SetDefault("TASK_STORE", "memory")
	viper.SetDefault("S3_BUCKET", "agentwire")
}

// writeConfig copies the embedded default config into the user's config
// directory unless a config file is already there.
func writeConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("no home directory: %w", err)
	}

	configDir := home + "/." + projectName

	if err := os.MkdirAll(configDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fullPath := configDir + "/" + cfgFile

	if _, err := os.Stat(fullPath); err == nil {
		return nil
	}

	fh, err := embedded.Open("cfg/config.yml")
	if err != nil {
		return fmt.Errorf("failed to open embedded config: %w", err)
	}
	defer fh.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, fh); err != nil {
		return fmt.Errorf("failed to read embedded config: %w", err)
	}

	if err := os.WriteFile(fullPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	log.Info("wrote default config", "path", fullPath)
	return nil
}

var longRoot = `
agentwire runs an agent-to-agent protocol server: clients exchange a bearer
credential for a session over HTTP, bind the session to a persistent duplex
socket, and drive a task lifecycle with live status and artifact streaming.

Examples:
  # Run the server (HTTP on :3210, socket on :3211)
  agentwire serve

  # Chat with a running agent
  agentwire client --token $TOKEN

  # Watch every task update as it happens
  agentwire tail

  # Expose the task engine as MCP tools on stdio
  agentwire mcp
`
