package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kabili207/sosmesh-go/internal/config"
	"github.com/kabili207/sosmesh-go/internal/node"
)

var startFlags struct {
	transport string
	store     string
	api       string
	webhook   string
	broker    string
	port      string
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run this device on the mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := node.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "node %s\n", n.ID())
		if addr := n.APIAddr(); addr != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "api  http://%s/api/status\n", addr)
		}
		return n.Run(ctx)
	},
}

// applyStartFlags copies the start flags the user set into c.
func applyStartFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Lookup("transport") == nil {
		return
	}
	if f.Changed("transport") {
		c.Transport.Kind = startFlags.transport
	}
	if f.Changed("store") {
		c.Store.Driver = startFlags.store
	}
	if f.Changed("api") {
		c.API.Listen = startFlags.api
	}
	if f.Changed("webhook") {
		c.Uplink.WebhookURL = startFlags.webhook
	}
	if f.Changed("broker") {
		c.Transport.MQTT.Broker = startFlags.broker
	}
	if f.Changed("port") {
		c.Transport.Serial.Port = startFlags.port
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	f := startCmd.Flags()
	f.StringVarP(&startFlags.transport, "transport", "t", "", "transport: memory, lan, mqtt or serial")
	f.StringVar(&startFlags.store, "store", "", "message store: memory, sqlite or pebble")
	f.StringVar(&startFlags.api, "api", "", "HTTP API listen address (empty disables)")
	f.StringVar(&startFlags.webhook, "webhook", "", "webhook URL for the uplink")
	f.StringVar(&startFlags.broker, "broker", "", "MQTT broker URL")
	f.StringVar(&startFlags.port, "port", "", "serial port path")
}
