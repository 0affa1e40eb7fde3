// Command modelgate serves an OpenAI-compatible HTTP gateway in front of
// command-line model providers.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/danshapiro/modelgate/internal/config"
	"github.com/danshapiro/modelgate/internal/gateway"
	"github.com/danshapiro/modelgate/internal/health"
	"github.com/danshapiro/modelgate/internal/jobs"
	"github.com/danshapiro/modelgate/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "modelgate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("modelgate", flag.ContinueOnError)
	configPath := fs.String("config", "modelgate.yaml", "path to the providers config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	apiKeyEnv := fs.String("api-key-env", "", "environment variable holding the API key (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := log.New(os.Stderr, "[modelgate] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", *configPath, err)
	}
	for _, warning := range cfg.Validate() {
		logger.Printf("config warning: %s", warning)
	}

	bindings, err := cfg.Bindings()
	if err != nil {
		return err
	}

	tracker := health.NewTracker()
	registry, err := gateway.NewRegistry(bindings, tracker, nil)
	if err != nil {
		return err
	}
	manager := jobs.NewManager(cfg.JobOptions())

	listen := cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	if listen == "" {
		listen = ":8080"
	}

	keyEnv := cfg.Server.APIKeyEnv
	if *apiKeyEnv != "" {
		keyEnv = *apiKeyEnv
	}
	apiKey := ""
	if keyEnv != "" {
		apiKey = os.Getenv(keyEnv)
		if apiKey == "" {
			logger.Printf("warning: %s is empty; API key check disabled", keyEnv)
		}
	}

	srv := server.New(server.Config{Addr: listen, APIKey: apiKey}, registry, manager)
	logger.Printf("serving %d providers, %d models", len(registry.ListProviders()), len(registry.ListModels()))
	return srv.ListenAndServe()
}
