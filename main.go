package main

// As Theodore Roosevelt proclaimed, we shall "speak softly and carry a big stack"

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mcpwire/anthropicbridge"
	"mcpwire/config"
	"mcpwire/demo"
	"mcpwire/hub"
	"mcpwire/logging"
	"mcpwire/mcp"
	"mcpwire/protocol"
	"mcpwire/transport"
	"mcpwire/utils"
)

const version = "0.1.0"

const usage = `usage: mcpwire [-config file] <command> [args]

commands:
  serve                 serve the demo tools over the configured transport
  tools [server...]     list the tools of the configured servers
  call <tool> [json]    call a tool on the configured servers
  ask <prompt...>       ask the model, letting it use the configured tools
`

type app struct {
	cfg config.Config
	log zerolog.Logger
	tp  trace.TracerProvider
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $"+config.EnvConfigPath+")")
	modelFlag := flag.String("m", "", "model used by ask")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.Anthropic.Model = *modelFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, log: logging.New(cfg.Log, os.Stderr), tp: noop.NewTracerProvider()}
	if cfg.Tracing {
		tp, err := logging.InitTracer("mcpwire", version, os.Stderr)
		if err != nil {
			a.log.Fatal().Err(err).Msg("failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
		a.tp = tp
	}

	switch args[0] {
	case "serve":
		err = a.serve(ctx)
	case "tools":
		err = a.tools(ctx, args[1:])
	case "call":
		err = a.call(ctx, args[1:])
	case "ask":
		err = a.ask(ctx, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

func (a *app) serve(ctx context.Context) error {
	serve := a.cfg.Serve
	log := a.log.With().Str("transport", string(serve.Transport)).Logger()
	engineOpts := []protocol.OptsFunc{protocol.WithLogger(log), protocol.WithTracerProvider(a.tp)}

	var (
		engine  *protocol.Engine
		stdio   *transport.Stream
		handler http.Handler
	)
	switch serve.Transport {
	case config.TransportStdio:
		stdio = transport.NewStdio(transport.WithStreamLogger(log))
		engine = protocol.New(stdio, engineOpts...)
	case config.TransportSSE:
		sse := transport.NewSSE(transport.WithSSELogger(log))
		engine = protocol.New(sse, engineOpts...)
		handler = sse
	case config.TransportHTTP:
		engine = protocol.New(nil, engineOpts...)
		handler = transport.Handler(engine.Exchange)
	}

	srv := mcp.NewServer(mcp.Implementation{Name: serve.Name, Version: version}, engine,
		mcp.WithServerLogger(log),
		mcp.WithInstructions(serve.Instructions))
	if err := demo.Register(srv, serve.Root); err != nil {
		return err
	}

	if handler == nil {
		if err := engine.Start(ctx); err != nil {
			return err
		}
		defer engine.Stop()
		log.Info().Msg("serving on stdio")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stdio.Done():
			return stdio.Err()
		}
	}

	if serve.Transport == config.TransportSSE {
		if err := engine.Start(ctx); err != nil {
			return err
		}
		defer engine.Stop()
	}
	httpServer := &http.Server{Addr: serve.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", serve.Addr).Msg("serving")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// connect attaches every configured server to a new hub.
func (a *app) connect(ctx context.Context) (*hub.Hub, error) {
	h := hub.New(
		hub.WithLogger(a.log),
		hub.WithTracerProvider(a.tp),
		hub.WithClientInfo(mcp.Implementation{Name: "mcpwire", Version: version}))

	for _, server := range a.cfg.Servers {
		var err error
		if server.Docker != nil {
			_, err = h.AttachDocker(ctx, server.Name, *server.Docker)
		} else {
			_, err = h.Attach(ctx, server.Name, transport.NewHTTP(server.URL, transport.WithHTTPLogger(a.log)))
		}
		if err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (a *app) tools(ctx context.Context, servers []string) error {
	h, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	conns := h.Connections()
	if len(servers) > 0 {
		conns = utils.Filter(conns, func(c *hub.Connection) bool {
			return slices.Contains(servers, c.Name)
		})
	}
	for _, conn := range conns {
		for _, tool := range conn.Client.Tools {
			desc := ""
			if tool.Description != nil {
				desc = *tool.Description
			}
			fmt.Printf("%s\t%s\t%s\n", conn.Name, tool.Name, desc)
		}
	}
	return nil
}

func (a *app) call(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: mcpwire call <tool> [json-arguments]")
	}
	arguments := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	h, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	result, err := h.ExecuteTool(ctx, args[0], arguments)
	if err != nil {
		return err
	}
	fmt.Println(result.Text())
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", args[0])
	}
	return nil
}

func (a *app) ask(ctx context.Context, args []string) error {
	prompt := strings.Join(args, " ")
	if prompt == "" {
		return errors.New("usage: mcpwire ask <prompt...>")
	}

	bridge, err := anthropicbridge.New(
		anthropicbridge.WithLogger(a.log),
		anthropicbridge.WithTracerProvider(a.tp),
		anthropicbridge.WithModel(a.cfg.Anthropic.Model),
		anthropicbridge.WithMaxTokens(a.cfg.Anthropic.MaxTokens),
		anthropicbridge.WithMaxTurns(a.cfg.Anthropic.MaxTurns))
	if err != nil {
		return err
	}

	h, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	spinner := NewSpinner(os.Stderr)
	spinner.Start()
	conversation, err := h.Ask(ctx, bridge, prompt, func(text string) {
		spinner.Stop()
		fmt.Print(text)
	})
	spinner.Stop()
	fmt.Println()

	if path := a.cfg.Anthropic.ConversationFile; path != "" {
		if saveErr := hub.SaveConversation(path, conversation); saveErr != nil {
			a.log.Warn().Err(saveErr).Str("path", path).Msg("failed to save conversation")
		}
	}
	return err
}
