package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	serverrun "conveyor/internal/cmd/server"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor pipeline CLI",
		Long:  "Conveyor is a queue-driven content pipeline. This CLI manages the node and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a conveyor node (workers and HTTP API)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				ConfigPath: configPath,
				HTTPAddr:   httpAddr,
				DataDir:    dataDir,
				LogLevel:   logLevel,
				LogFormat:  logFormat,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to YAML config file")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverStartCmd.Flags().String("log-level", os.Getenv("CONVEYOR_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("CONVEYOR_LOG_FORMAT"), "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// enqueue
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Send an operation to the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			operation, _ := cmd.Flags().GetString("operation")
			payloadJSON, _ := cmd.Flags().GetString("payload")
			correlationID, _ := cmd.Flags().GetString("correlation-id")

			payload := map[string]interface{}{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return postAndPrint("/v1/enqueue", map[string]interface{}{
				"operation":      operation,
				"payload":        payload,
				"correlation_id": correlationID,
			})
		},
	}
	enqueueCmd.Flags().String("operation", "wake_up", "Operation: process|render|publish|generate_site|wake_up|reconcile")
	enqueueCmd.Flags().String("payload", "", "Payload as a JSON object")
	enqueueCmd.Flags().String("correlation-id", "", "Correlation id (generated when empty)")
	rootCmd.AddCommand(enqueueCmd)

	// reprocess
	reprocessCmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-run the pipeline for a stored item",
		RunE: func(cmd *cobra.Command, args []string) error {
			blobPath, _ := cmd.Flags().GetString("blob-path")
			itemID, _ := cmd.Flags().GetString("item-id")
			return postAndPrint("/v1/reprocess", map[string]string{
				"blob_path": blobPath,
				"item_id":   itemID,
			})
		},
	}
	reprocessCmd.Flags().String("blob-path", "", "Stored item locator, e.g. collections/2025-10-06/item-1.json")
	reprocessCmd.Flags().String("item-id", "", "Item id")
	_ = reprocessCmd.MarkFlagRequired("blob-path")
	rootCmd.AddCommand(reprocessCmd)

	// status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths, leases and scaling advice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/status")
		},
	}
	rootCmd.AddCommand(statusCmd)

	// deadletters
	deadLettersCmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered messages for a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt("limit")
			return getAndPrint(fmt.Sprintf("/v1/deadletters?queue=%s&limit=%d", queueName, limit))
		},
	}
	deadLettersCmd.Flags().String("queue", "process", "Queue name")
	deadLettersCmd.Flags().Int("limit", 20, "Maximum entries to list")
	rootCmd.AddCommand(deadLettersCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("CONVEYOR_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8474"
}

func postAndPrint(path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(apiURL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println("status:", resp.Status)
	if len(bytes.TrimSpace(out)) > 0 {
		fmt.Println(string(bytes.TrimSpace(out)))
	}
	return nil
}

func getAndPrint(path string) error {
	resp, err := http.Get(apiURL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(bytes.TrimSpace(out)))
	return nil
}
