package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	flowbridge "github.com/glimte/flowbridge-go"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/glimte/flowbridge-go/flow"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type echoPayload struct {
	Message     string `json:"message"`
	ProcessedAt string `json:"processedAt,omitempty"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowbridge",
		Short: "Exercise synchronous request-response over an asynchronous flow",
		Long: `Flowbridge runs envelopes through a processing flow and waits for each
request's own response on a shared broadcast channel. This tool drives an
in-process flow so the bridge behavior can be observed without a broker.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	newLogger := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Echo command
	var (
		message string
		timeout time.Duration
	)
	echoCmd := &cobra.Command{
		Use:   "echo",
		Short: "Send one request through an uppercasing flow and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newEchoClient(newLogger(), timeout, 0)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			response, err := client.Request(context.Background(), "echo.request", echoPayload{Message: message})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if response == nil {
				return fmt.Errorf("no response within %s", timeout)
			}

			printEnvelope(response)
			return nil
		},
	}
	echoCmd.Flags().StringVarP(&message, "message", "m", "hello", "Message to echo")
	echoCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for the response")

	// Bench command
	var (
		requests    int
		concurrency int
		delay       time.Duration
		benchWait   time.Duration
	)
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Hammer the bridge with concurrent requests and report counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requests < 1 {
				return fmt.Errorf("requests must be at least 1")
			}
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1")
			}

			client, err := newEchoClient(newLogger(), benchWait, delay)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			var (
				wg       sync.WaitGroup
				answered atomic.Int64
				failed   atomic.Int64
				next     atomic.Int64
			)

			start := time.Now()
			for worker := 0; worker < concurrency; worker++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						n := next.Add(1)
						if n > int64(requests) {
							return
						}
						payload := echoPayload{Message: fmt.Sprintf("request-%d", n)}
						response, err := client.Request(context.Background(), "echo.request", payload)
						if err != nil || response == nil {
							failed.Add(1)
							continue
						}
						answered.Add(1)
					}
				}()
			}
			wg.Wait()
			elapsed := time.Since(start)

			stats := client.Bridge().Stats()
			fmt.Printf("requests:    %d\n", requests)
			fmt.Printf("concurrency: %d\n", concurrency)
			fmt.Printf("answered:    %d\n", answered.Load())
			fmt.Printf("failed:      %d\n", failed.Load())
			fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
			fmt.Printf("rate:        %.0f req/s\n", float64(requests)/elapsed.Seconds())
			fmt.Printf("bridge:      handled=%d replies=%d ownFailures=%d foreignFailures=%d\n",
				stats.Handled, stats.Replies, stats.OwnFailures, stats.ForeignFailures)
			return nil
		},
	}
	benchCmd.Flags().IntVarP(&requests, "requests", "n", 100, "Number of requests to send")
	benchCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 8, "Number of concurrent callers")
	benchCmd.Flags().DurationVar(&delay, "delay", 0, "Artificial processing delay per request")
	benchCmd.Flags().DurationVarP(&benchWait, "timeout", "t", 10*time.Second, "How long each caller waits for its response")

	rootCmd.AddCommand(echoCmd, benchCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// newEchoClient assembles an in-process client whose flow uppercases the
// message and stamps the processing time, sleeping first when a delay is
// requested.
func newEchoClient(logger *slog.Logger, timeout, delay time.Duration) (*flowbridge.Client, error) {
	client, err := flowbridge.NewClient(
		flowbridge.WithServiceName("flowbridge-cli"),
		flowbridge.WithLogger(logger),
		flowbridge.WithTimeout(timeout),
	)
	if err != nil {
		return nil, err
	}

	client.AddStage("uppercase", flow.ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var payload echoPayload
		if err := json.Unmarshal(env.Body, &payload); err != nil {
			return nil, fmt.Errorf("bad echo payload: %w", err)
		}
		payload.Message = strings.ToUpper(payload.Message)
		payload.ProcessedAt = time.Now().UTC().Format(time.RFC3339Nano)

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return env.Derive("echo.response", body), nil
	}))

	return client, nil
}

func printEnvelope(env *contracts.Envelope) {
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", env)
		return
	}
	fmt.Println(string(out))
}
