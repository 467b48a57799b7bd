package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobridge/pkg/bridge"
	"github.com/sipeed/picobridge/pkg/pairing"
)

func newStatusCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(*configPath)
			if err != nil {
				return err
			}

			var st bridge.Status
			if err := client.get("/api/status", &st); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			out := cmd.OutOrStdout()
			backend := "down"
			if st.BackendRunning {
				backend = "running"
			}
			fmt.Fprintf(out, "Backend:          %s\n", backend)
			fmt.Fprintf(out, "Uptime:           %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(out, "Queue depth:      %d\n", st.QueueDepth)
			fmt.Fprintf(out, "Accepted:         %d\n", st.Accepted)
			fmt.Fprintf(out, "Rejected:         %d\n", st.Rejected)
			fmt.Fprintf(out, "Dropped:          %d\n", st.Dropped)
			fmt.Fprintf(out, "Pairing replies:  %d\n", st.PairingReplies)
			fmt.Fprintf(out, "Pending pairings: %d\n", st.PendingPairings)
			if len(st.Sessions) > 0 {
				fmt.Fprintln(out, "Sessions:")
				for key, count := range st.Sessions {
					fmt.Fprintf(out, "  %-40s %d\n", key, count)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newChatsCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List recent chats known to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(*configPath)
			if err != nil {
				return err
			}

			var chats json.RawMessage
			path := "/api/chats"
			if limit > 0 {
				path = fmt.Sprintf("%s?limit=%d", path, limit)
			}
			if err := client.get(path, &chats); err != nil {
				return err
			}

			var pretty interface{}
			if err := json.Unmarshal(chats, &pretty); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), string(chats))
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum chats to list")
	return cmd
}

func newPairCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage pairing requests",
	}
	cmd.AddCommand(newPairListCmd(configPath), newPairApproveCmd(configPath))
	return cmd
}

func newPairListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(*configPath)
			if err != nil {
				return err
			}

			var payload struct {
				Pending []pairing.PendingPairing `json:"pending"`
			}
			if err := client.get("/api/pairing", &payload); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(payload.Pending) == 0 {
				fmt.Fprintln(out, "No pending pairing requests.")
				return nil
			}
			for _, p := range payload.Pending {
				fmt.Fprintf(out, "%s  %s  requested %s\n",
					p.Code, p.Handle, p.CreatedAt.Local().Format("15:04:05"))
			}
			return nil
		},
	}
}

func newPairApproveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and allow-list its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(*configPath)
			if err != nil {
				return err
			}

			var payload struct {
				Handle string `json:"handle"`
			}
			if err := client.post("/api/pairing/claim", map[string]string{"code": args[0]}, &payload); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s.\n", payload.Handle)
			return nil
		},
	}
}
