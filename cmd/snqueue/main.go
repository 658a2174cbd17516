package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	snqueue "github.com/snqueue/snqueue-go"
	"github.com/snqueue/snqueue-go/config"
	"github.com/snqueue/snqueue-go/messaging"
)

var (
	version = "dev"
)

func main() {
	var (
		configPath string
		brokerURL  string
		queueURL   string
	)

	rootCmd := &cobra.Command{
		Use:     "snqueue",
		Short:   "Request/reply correlation over a shared reply queue",
		Long:    "snqueue publishes a request to a topic and waits for the matching reply on a shared reply queue.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "Broker connection URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&queueURL, "queue", "q", "", "Reply queue URL (overrides config)")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if brokerURL != "" {
			cfg.Transport.URL = brokerURL
		}
		if queueURL != "" {
			cfg.Queue.URL = queueURL
		}
		if cfg.Queue.URL == "" {
			return nil, fmt.Errorf("reply queue is required (set --queue or queue.url)")
		}
		return cfg, nil
	}

	var requestTimeout time.Duration
	requestCmd := &cobra.Command{
		Use:   "request <topic> <payload>",
		Short: "Publish a request and wait for the correlated reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			vq, err := client.VirtualQueue(cfg.Queue.URL)
			if err != nil {
				return fmt.Errorf("failed to create virtual queue: %w", err)
			}

			opts := []messaging.RequestOption{}
			if requestTimeout > 0 {
				opts = append(opts, messaging.WithRequestTimeout(requestTimeout))
			}

			reply, err := vq.Request(cmd.Context(), args[0], args[1], opts...)
			if err != nil {
				return err
			}
			fmt.Println(reply.Payload())
			return nil
		},
	}
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 0, "Reply wait timeout (default from config)")

	var deleteAfter bool
	retrieveCmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Pull one batch of messages from the reply queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			consumer, err := client.Consumer(
				messaging.WithConsumerPullOptions(messaging.PullOptions{
					MaxMessages:       cfg.Queue.MaxMessages,
					VisibilityTimeout: cfg.Queue.VisibilityTimeout,
					WaitTime:          cfg.Queue.WaitTime,
				}),
			)
			if err != nil {
				return err
			}

			messages, err := consumer.Retrieve(context.Background(), cfg.Queue.URL, deleteAfter)
			if err != nil {
				return err
			}
			for _, msg := range messages {
				fmt.Printf("%s\t%s\n", msg.MessageID, msg.Body)
			}
			return nil
		},
	}
	retrieveCmd.Flags().BoolVarP(&deleteAfter, "delete", "d", false, "Delete messages after retrieval")

	rootCmd.AddCommand(requestCmd, retrieveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient(cfg *config.Config) (*snqueue.Client, error) {
	return snqueue.NewClient(cfg.Transport.URL,
		snqueue.WithClientLogger(cfg.Logger()),
		snqueue.WithClientPullOptions(messaging.PullOptions{
			MaxMessages:       cfg.Queue.MaxMessages,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			WaitTime:          cfg.Queue.WaitTime,
		}),
		snqueue.WithClientDefaultTimeout(cfg.Request.DefaultTimeout),
	)
}
