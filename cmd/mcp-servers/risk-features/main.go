// Risk features MCP server. Exposes the risk feature computation as the
// compute_risk_features tool over stdio.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/config"
)

const (
	serverName    = "risk-features"
	serverVersion = "1.0.0"
)

func main() {
	// stdout is reserved for the MCP protocol
	config.InitLoggerTo(os.Stderr, os.Getenv("LOG_LEVEL"), "console")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("version", serverVersion).Msg("Risk features MCP server starting")

	server := newServer()
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Client disconnected")
}

func newServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name: toolName,
		Description: "Compute quantitative risk features (STL trend/seasonal strength, " +
			"close-to-close, Parkinson and Garman-Klass volatility, drawdowns, 20-day beta, regime) " +
			"from a daily price series",
	}, handleComputeRiskFeatures)
	return server
}
