package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kabili207/sosmesh-go/internal/api"
	"github.com/kabili207/sosmesh-go/internal/node"
)

var messagesFlags struct {
	offline bool
	ack     string
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List the alerts held by this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		var views []api.MessageView
		if messagesFlags.offline {
			st, err := node.OpenStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if messagesFlags.ack != "" {
				if _, err := st.MarkAcknowledged(cmd.Context(), messagesFlags.ack); err != nil {
					return err
				}
			}
			msgs, err := st.All(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range msgs {
				views = append(views, api.NewMessageView(m))
			}
		} else {
			if cfg.API.Listen == "" {
				return errors.New("the API is disabled; use --offline")
			}
			c := newAPIClient(cfg.API.Listen)
			if messagesFlags.ack != "" {
				if err := c.do(http.MethodPost, "/api/messages/"+messagesFlags.ack+"/ack", nil, nil); err != nil {
					return err
				}
			}
			if err := c.do(http.MethodGet, "/api/messages", nil, &views); err != nil {
				return err
			}
		}
		printMessages(cmd.OutOrStdout(), views)
		return nil
	},
}

func printMessages(w io.Writer, views []api.MessageView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tHOPS\tACK\tCATEGORY\tTEXT")
	for _, v := range views {
		created := time.UnixMilli(v.CreatedAt).Format(time.DateTime)
		ack := ""
		if v.Acknowledged {
			ack = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", v.ID, created, v.HopCount, ack, v.Category, v.Text)
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(messagesCmd)
	f := messagesCmd.Flags()
	f.BoolVar(&messagesFlags.offline, "offline", false, "read the local store instead of a running node")
	f.StringVar(&messagesFlags.ack, "ack", "", "acknowledge the message with this id first")
}
