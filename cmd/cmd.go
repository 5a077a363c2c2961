// Package cmd provides the docchat CLI commands.
//
// Commands:
//   - serve: HTTP API server (document upload, retrieval-augmented chat)
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/docsmith/docchat/internal/log"
)

// Execute is the main entry point for the docchat application.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("docchat - Chat with your documents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  docchat serve      Start the HTTP API server")
	fmt.Println("  docchat --version  Show version information")
	fmt.Println("  docchat --help     Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY          Required for the gemini provider")
	fmt.Println("  DOCCHAT_PROVIDER        AI provider: gemini (default) or ollama")
	fmt.Println("  DOCCHAT_HTTP_ADDR       Listen address (default :8080)")
	fmt.Println("  DEBUG                   Enable debug logging")
	fmt.Println()
	fmt.Println("Configuration file: ~/.docchat/config.yaml")
}
