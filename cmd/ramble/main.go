package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/ramble/pkg/engine"
	"github.com/go-go-golems/ramble/pkg/events"
	"github.com/go-go-golems/ramble/pkg/ollama"
	"github.com/go-go-golems/ramble/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "ramble",
	Short: "Branching chat client backed by a local text-generation service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			level = zerolog.InfoLevel
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	},
}

func init() {
	rootCmd.PersistentFlags().String("db", "ramble.db", "sqlite database path")
	rootCmd.PersistentFlags().String("ollama-url", ollama.DefaultBaseURL, "base URL of the generation service")
	rootCmd.PersistentFlags().Duration("idle-timeout", 2*time.Minute, "mid-stream idle timeout for generations")
	rootCmd.PersistentFlags().Int("hub-buffer", 10, "per-subscription event backlog bound")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		log.Fatal().Err(err).Msg("failed to bind flags")
	}
	viper.SetEnvPrefix("RAMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(forkCmd)
}

// env bundles the process-scoped pieces: one store, one hub, one client,
// one engine, all created at startup and injected where needed.
type env struct {
	store  *store.Store
	hub    *events.Hub
	client *ollama.Client
	engine *engine.Engine
}

func openEnv() (*env, error) {
	st, err := store.Open(viper.GetString("db"))
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(events.WithBufferSize(viper.GetInt("hub-buffer")))
	client := ollama.NewClient(
		ollama.WithBaseURL(viper.GetString("ollama-url")),
		ollama.WithIdleTimeout(viper.GetDuration("idle-timeout")),
	)

	return &env{
		store:  st,
		hub:    hub,
		client: client,
		engine: engine.New(st, hub, client),
	}, nil
}

func (e *env) close() {
	if err := e.engine.Close(); err != nil {
		log.Warn().Err(err).Msg("engine shutdown")
	}
	if err := e.hub.Close(); err != nil {
		log.Warn().Err(err).Msg("hub shutdown")
	}
	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store shutdown")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
