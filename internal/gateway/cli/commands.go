package cli

// Package cli provides the raccordo command line: the HTTP gateway, the MCP
// proxy and one-shot commands that run the orchestrator in process.
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpgw "github.com/Denis-Chistyakov/Raccordo/internal/gateway/http"
	mcpgw "github.com/Denis-Chistyakov/Raccordo/internal/gateway/mcp"
	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	// Serve flags
	serverPort int
	serverHost string
	mcpSSEAddr string
	watchCfg   bool

	// Output flags
	jsonOutput bool
	discover   bool

	// Call flags
	callArgs string
)

// ErrToolFailed is returned by the call command when the tool reports an error
var ErrToolFailed = errors.New("tool reported an error")

// RootCmd represents the base command
var RootCmd = &cobra.Command{
	Use:   "raccordo",
	Short: "Raccordo - MCP client and tool router",
	Long: `Raccordo connects to many MCP servers at once, aggregates their tools
into one catalog and routes every tool call to the server that owns it.

Servers are configured in raccordo.yaml; without configuration the Docker
MCP Toolkit gateway is used.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), version.Info())
		}
		info := version.Info()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Raccordo v%s\n", info["version"])
		fmt.Fprintf(out, "Build: %s (%s)\n", info["git_commit"], info["build_time"])
		fmt.Fprintf(out, "Go: %s\n", info["go_version"])
		return nil
	},
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long:  `Start the REST gateway over the orchestrator, optionally with an MCP SSE endpoint`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the aggregated catalog as one MCP server",
	Long: `Serve every discovered tool as a single MCP server over stdio (for
Claude Desktop, Cursor and other MCP hosts) or over SSE with --sse.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// toolsCmd represents the tools command
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools from every enabled server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		tools, err := a.orch.GetAllTools(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), tools)
		}
		return printTools(cmd.OutOrStdout(), tools)
	},
}

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call [tool]",
	Short: "Call a tool",
	Long:  `Call a tool by name. Arguments are given as a JSON object with --args.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolArgs, err := parseArgs(callArgs)
		if err != nil {
			return err
		}

		a, err := bootstrap(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.orch.CallTool(cmd.Context(), args[0], toolArgs)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if result.IsError {
			return fmt.Errorf("%s: %w", args[0], ErrToolFailed)
		}
		return nil
	},
}

// serversCmd represents the servers command
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		if discover {
			if _, err := a.orch.GetAllTools(cmd.Context()); err != nil {
				return err
			}
		}

		servers := a.orch.Servers()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), servers)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tENABLED\tSTATE\tTOOLS\tLAST ERROR")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\n", s.Name, s.Kind, s.Enabled, s.State, s.Tools, s.LastError)
		}
		return w.Flush()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Discover every server and print catalog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.orch.GetAllTools(cmd.Context()); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a.orch.Stat())
	},
}

// init initializes CLI commands
func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: search ./configs, ., /etc/raccordo)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Serve command flags
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "gateway port (overrides config)")
	serveCmd.Flags().StringVar(&serverHost, "host", "", "gateway host (overrides config)")
	serveCmd.Flags().StringVar(&mcpSSEAddr, "mcp-sse", "", "also serve the MCP proxy over SSE on this address")
	serveCmd.Flags().BoolVar(&watchCfg, "watch", true, "reload servers when the config file changes")

	// MCP command flags
	mcpCmd.Flags().StringVar(&mcpSSEAddr, "sse", "", "serve over SSE on this address instead of stdio")
	mcpCmd.Flags().BoolVar(&watchCfg, "watch", true, "reload servers when the config file changes")

	// Output flags
	for _, c := range []*cobra.Command{versionCmd, toolsCmd, serversCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	}
	serversCmd.Flags().BoolVar(&discover, "discover", false, "connect and discover tools before listing")

	// Call command flags
	callCmd.Flags().StringVar(&callArgs, "args", "{}", "tool arguments as a JSON object")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(mcpCmd)
	RootCmd.AddCommand(toolsCmd)
	RootCmd.AddCommand(callCmd)
	RootCmd.AddCommand(serversCmd)
	RootCmd.AddCommand(statsCmd)
}

// Execute executes the root command
func Execute() error {
	return RootCmd.ExecuteContext(context.Background())
}

// ExecuteMCP runs the mcp command with the process arguments
func ExecuteMCP() error {
	RootCmd.SetArgs(append([]string{"mcp"}, os.Args[1:]...))
	return Execute()
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info().Str("version", version.Version).Msg("Starting Raccordo")

	gateway := a.cfg.Gateway
	if serverPort != 0 {
		gateway.Port = serverPort
	}
	if serverHost != "" {
		gateway.Host = serverHost
	}

	var calls httpgw.CallLog
	if a.journal != nil {
		calls = a.journal
	}
	httpServer := httpgw.NewServer(a.orch, calls, a.metrics, &gateway)
	if err := httpServer.Start(); err != nil {
		return err
	}

	var proxy *mcpgw.Server
	var sse *mcpgw.SSETransport
	if mcpSSEAddr != "" {
		proxy = mcpgw.NewServer(a.orch)
		if _, err := proxy.Sync(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial MCP proxy sync failed")
		}
		sse = mcpgw.NewSSETransport(proxy, mcpSSEAddr, "")
		if err := sse.Start(); err != nil {
			return err
		}
	}

	if watchCfg && a.loader.File() != "" {
		w := a.loader.Watch(0, func(cfg *types.Config) {
			reload(ctx, a, proxy, cfg)
		})
		defer w.Stop()
	}

	log.Info().Msgf("HTTP API: http://%s:%d/api/v1", gateway.Host, gateway.Port)
	log.Info().Msg("Press Ctrl+C to stop")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if sse != nil {
		if err := sse.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("MCP SSE transport shutdown error")
		}
	}

	log.Info().Msg("Raccordo stopped")
	return nil
}

func runMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	proxy := mcpgw.NewServer(a.orch)
	if _, err := proxy.Sync(ctx); err != nil {
		return err
	}

	if watchCfg && a.loader.File() != "" {
		w := a.loader.Watch(0, func(cfg *types.Config) {
			reload(ctx, a, proxy, cfg)
		})
		defer w.Stop()
	}

	if mcpSSEAddr == "" {
		return proxy.ServeStdio(ctx, in, out)
	}

	sse := mcpgw.NewSSETransport(proxy, mcpSSEAddr, "")
	if err := sse.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sse.Stop(shutdownCtx)
}

// reload applies a changed server set and re-exports the catalog
func reload(ctx context.Context, a *app, proxy *mcpgw.Server, cfg *types.Config) {
	if cfg.Gateway != a.cfg.Gateway {
		log.Warn().Msg("Gateway settings changed, restart to apply")
	}
	if err := a.orch.Reload(ctx, cfg.Servers); err != nil {
		log.Error().Err(err).Msg("Failed to reload servers")
		return
	}
	if proxy != nil {
		if _, err := proxy.Sync(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to sync MCP proxy after reload")
		}
	}
}

// parseArgs decodes the --args JSON object
func parseArgs(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid --args: %w", err)
	}
	return args, nil
}

// printTools writes the catalog as a table
func printTools(out io.Writer, tools []types.ToolInfo) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.ServerName, firstLine(t.Description))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d tools\n", len(tools))
	return err
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// Helper function to print JSON output
func printJSON(out io.Writer, data interface{}) error {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(bytes))
	return err
}
