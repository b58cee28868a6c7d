package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/device/mesh"
	"github.com/kabili207/sosmesh-go/internal/api"
	"github.com/kabili207/sosmesh-go/internal/node"
	"github.com/kabili207/sosmesh-go/transport/memory"
)

var sendFlags struct {
	text      string
	category  string
	equipment string
	lat       float64
	lon       float64
	offline   bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish an alert (the default SOS when no text is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.PublishRequest{
			Text:      sendFlags.text,
			Category:  sendFlags.category,
			Equipment: sendFlags.equipment,
		}
		latSet, lonSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lon")
		if latSet != lonSet {
			return errors.New("--lat and --lon must be given together")
		}
		if latSet {
			req.Latitude, req.Longitude = &sendFlags.lat, &sendFlags.lon
		}

		var view api.MessageView
		if sendFlags.offline {
			m, err := publishOffline(cmd.Context(), req)
			if err != nil {
				return err
			}
			view = api.NewMessageView(m)
		} else {
			if cfg.API.Listen == "" {
				return errors.New("the API is disabled; use --offline")
			}
			if err := newAPIClient(cfg.API.Listen).do(http.MethodPost, "/api/messages", req, &view); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s) %q\n", view.ID, view.Category, view.Text)
		return nil
	},
}

// publishOffline stores the alert directly so the next start floods it.
func publishOffline(ctx context.Context, req api.PublishRequest) (*message.Message, error) {
	id, err := node.LoadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	st, err := node.OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	selfID := id.NodeID().String()
	svc, err := mesh.New(st, memory.NewMedium(logger).NewTransport(selfID), mesh.Config{SelfID: selfID, Logger: logger})
	if err != nil {
		return nil, err
	}
	return svc.Publish(ctx, message.Payload{
		Text:      req.Text,
		Category:  req.Category,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Equipment: req.Equipment,
	})
}

func init() {
	rootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.text, "text", "", "alert text (default \""+message.DefaultSOSText+"\")")
	f.StringVar(&sendFlags.category, "category", "", "alert category (default \""+message.CategorySOS+"\")")
	f.StringVar(&sendFlags.equipment, "equipment", "", "equipment offered or needed")
	f.Float64Var(&sendFlags.lat, "lat", 0, "latitude")
	f.Float64Var(&sendFlags.lon, "lon", 0, "longitude")
	f.BoolVar(&sendFlags.offline, "offline", false, "write to the local store instead of a running node")
}
