package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/modeloshacienda/consulta-agent/internal/agent"
	"github.com/modeloshacienda/consulta-agent/internal/auditlog"
	"github.com/modeloshacienda/consulta-agent/internal/backend"
	"github.com/modeloshacienda/consulta-agent/internal/config"
	"github.com/modeloshacienda/consulta-agent/internal/executor"
	"github.com/modeloshacienda/consulta-agent/internal/format"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
	"github.com/modeloshacienda/consulta-agent/internal/monitor"
	"github.com/modeloshacienda/consulta-agent/internal/server"
	"github.com/modeloshacienda/consulta-agent/internal/sessionstore"
	"github.com/modeloshacienda/consulta-agent/internal/websearch"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	// Secrets may live in a local .env during development.
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "ask":
		askCmd(os.Args[2:])
	case "version":
		fmt.Printf("consulta-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `consulta-agent

Usage:
  consulta-agent init [flags]
  consulta-agent serve [flags]
  consulta-agent ask [flags] <question...>
  consulta-agent version

Commands:
  init      Write a config file with the given settings.
  serve     Serve the HTTP query API using the local config file.
  ask       Answer one question from the command line.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	backendURL := fs.String("backend-url", "http://127.0.0.1:8000", "Records backend base URL")
	listen := fs.String("listen", "127.0.0.1:8600", "HTTP bind address for serve mode")
	searchProvider := fs.String("web-search", "", "Web search provider: brave (empty disables)")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg := &config.Config{
		BackendBaseURL:    *backendURL,
		ListenAddr:        *listen,
		WebSearchProvider: *searchProvider,
		LogFormat:         *logFormat,
		LogLevel:          *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

type runtime struct {
	cfg     *config.Config
	agent   *agent.Agent
	history *sessionstore.Store
	monitor *monitor.Service
}

func buildRuntime(cfgPath string) (*runtime, error) {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		if os.IsNotExist(err) {
			cfg = &config.Config{BackendBaseURL: "http://127.0.0.1:8000"}
		} else {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}

	log, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	reasoner, err := llm.New(llm.Options{
		Logger:          log,
		OpenAIAPIKey:    secrets.OpenAIAPIKey,
		OpenAIBaseURL:   secrets.OpenAIBaseURL,
		OpenAIModel:     cfg.OpenAIModel,
		AnthropicAPIKey: secrets.AnthropicAPIKey,
		AnthropicModel:  cfg.AnthropicModel,
	})
	if err != nil {
		return nil, fmt.Errorf("set OPENAI_API_KEY or ANTHROPIC_API_KEY: %w", err)
	}

	backendClient, err := backend.New(backend.Options{
		Logger:  log,
		BaseURL: cfg.BackendBaseURL,
	})
	if err != nil {
		return nil, err
	}

	var web *websearch.Client
	if strings.TrimSpace(cfg.WebSearchProvider) != "" {
		web, err = websearch.New(websearch.Options{
			Logger:   log,
			Provider: cfg.WebSearchProvider,
			APIKey:   secrets.BraveAPIKey,
		})
		if err != nil {
			return nil, err
		}
	}

	stateDir := cfg.ResolvedStateDir()
	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
	if err != nil {
		return nil, err
	}
	history, err := sessionstore.Open(filepath.Join(stateDir, "sessions.db"))
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Options{
		Logger:  log,
		Backend: backendClient,
		Web:     web,
		Audit:   audit,
	})
	if err != nil {
		return nil, err
	}

	a, err := agent.New(agent.Options{
		Logger:        log,
		Reasoner:      reasoner,
		Runner:        exec,
		Audit:         audit,
		Store:         history,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		agent:   a,
		history: history,
		monitor: monitor.NewService(log),
	}, nil
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n", err)
		os.Exit(1)
	}
	defer rt.history.Close()

	srv, err := server.New(server.Options{
		Agent:   rt.agent,
		History: rt.history,
		Monitor: rt.monitor,
		Addr:    rt.cfg.ListenAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	go rt.monitor.Run(ctx, time.Minute)

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
	_ = srv.Close()
}

func askCmd(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	userID := fs.String("user", "cli", "User id for tenant scoping")
	timeout := fs.Duration("timeout", 2*time.Minute, "Query timeout")
	_ = fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: consulta-agent ask <question...>")
		os.Exit(2)
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n", err)
		os.Exit(1)
	}
	defer rt.history.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out := rt.agent.RunQuery(ctx, query, *userID)
	printAnswer(out.Answer)
	if len(out.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "warnings: %s\n", strings.Join(out.Errors, "; "))
	}
}

// printAnswer renders the answer for a human when stdout is a terminal and
// as plain JSON otherwise, so ask output can be piped into jq.
func printAnswer(a format.Answer) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(a)
		return
	}

	fmt.Printf("\033[1m%s\033[0m\n", a.Metadata.Title)
	if a.Metadata.Description != "" {
		fmt.Println(a.Metadata.Description)
	}
	fmt.Println()
	switch data := a.Data.(type) {
	case string:
		fmt.Println(data)
	default:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", data)
			return
		}
		fmt.Println(string(b))
	}
}
