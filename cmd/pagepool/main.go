package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pagepool/pagepool/internal/app"
	"github.com/pagepool/pagepool/internal/config"
)

var (
	apiURL  string
	apiKey  string
	verbose bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "pagepool",
		Short: "PagePool CLI for browser automation tasks",
		Long:  `PagePool CLI runs the API server and submits automation tasks to it`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "PagePool API URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "PagePool API key")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Environment variable support
	viper.SetEnvPrefix("PAGEPOOL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long:  `Run the PagePool API server until interrupted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, config.Load())
		},
	}

	return cmd
}

func submitCmd() *cobra.Command {
	var (
		url          string
		script       string
		selector     string
		format       string
		sessionID    string
		waitUntil    string
		fullPage     bool
		timeoutMS    int
		maxRetries   int
		retryOnError bool
	)

	var cmd = &cobra.Command{
		Use:   "submit [kind]",
		Short: "Submit an automation task",
		Long:  `Submit one task (navigate, extract, screenshot or evaluate) and print its outcome`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"kind":           args[0],
				"url":            url,
				"script":         script,
				"selector":       selector,
				"format":         format,
				"session_id":     sessionID,
				"wait_until":     waitUntil,
				"full_page":      fullPage,
				"timeout_ms":     timeoutMS,
				"retry_on_error": retryOnError,
			}
			if maxRetries >= 0 {
				body["max_retries"] = maxRetries
			}

			result, err := apiRequest("POST", "/api/v1/tasks", body)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Target URL")
	cmd.Flags().StringVar(&script, "script", "", "JavaScript to evaluate")
	cmd.Flags().StringVar(&selector, "selector", "", "CSS selector for extraction")
	cmd.Flags().StringVar(&format, "format", "", "Extraction format (text or markdown)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session key for context reuse")
	cmd.Flags().StringVar(&waitUntil, "wait-until", "", "Navigation wait state")
	cmd.Flags().BoolVar(&fullPage, "full-page", false, "Capture the full page")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "Per-task timeout in milliseconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "Retry budget for retriable failures")
	cmd.Flags().BoolVar(&retryOnError, "retry-on-error", false, "Retry navigation and execution failures")

	return cmd
}

func healthCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "health",
		Short: "Check service health",
		Long:  `Query the health endpoint and print the result`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiRequest("GET", "/health", nil)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	return cmd
}

func sessionsCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "sessions",
		Short: "Session management commands",
		Long:  `Commands for inspecting and destroying keyed sessions`,
	}

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())

	return cmd
}

func sessionsListCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "list",
		Short: "List keyed sessions",
		Long:  `List all live keyed sessions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiRequest("GET", "/api/v1/sessions", nil)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "rm [session-key]",
		Short: "Destroy a keyed session",
		Long:  `Destroy a keyed session now, or when its current task finishes`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiRequest("DELETE", "/api/v1/sessions/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func apiRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	url := viper.GetString("api-url") + path
	key := viper.GetString("api-key")

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "%s %s -> %d\n", method, url, resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respData, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respData))
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Task outcomes come back with error status codes but a parseable
	// envelope; print those instead of failing.
	return result, nil
}
