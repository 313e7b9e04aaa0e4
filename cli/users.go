package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/spf13/cobra"
)

type userSummary struct {
	ID          uint      `json:"id"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	DeviceCount int64     `json:"device_count"`
}

type userDevice struct {
	DeviceID  uint      `json:"device_id"`
	VendorID  string    `json:"vid"`
	ProductID string    `json:"pid"`
	Serial    *string   `json:"serial"`
	Name      string    `json:"name,omitempty"`
	Decision  string    `json:"decision"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

func usersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users and how many devices each may mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var users []userSummary
			if err := client.call(cmd.Context(), http.MethodGet, "/api/users", nil, nil, &users); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), users)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tALLOWED DEVICES\tLAST SEEN")
			fmt.Fprintln(w, "--------\t---------------\t---------")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%d\t%s\n", u.Username, u.DeviceCount, since(u.LastSeenAt))
			}
			return w.Flush()
		},
	}
}

func devicesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices [username]",
		Short: "Show the recorded device decisions for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var devices []userDevice
			path := "/api/users/" + url.PathEscape(args[0]) + "/devices"
			if err := client.call(cmd.Context(), http.MethodGet, path, nil, nil, &devices); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEVICE\tNAME\tDECISION\tUPDATED BY\tUPDATED")
			fmt.Fprintln(w, "--\t------\t----\t--------\t----------\t-------")
			for _, d := range devices {
				id := device.Identity{VendorID: d.VendorID, ProductID: d.ProductID, Serial: d.Serial}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", d.DeviceID, id, dash(d.Name), d.Decision, dash(d.UpdatedBy), since(d.UpdatedAt))
			}
			return w.Flush()
		},
	}
}

func grantCmd(opts *globalOptions) *cobra.Command {
	var name string
	var deny bool
	cmd := &cobra.Command{
		Use:   "grant [username] [vid:pid[:serial]]",
		Short: "Record a decision for a user's device without a request",
		Long: "Record an allow (or with --deny, a deny) decision for a user and device.\n" +
			"A trailing colon (vid:pid:) means the device reports an empty serial;\n" +
			"omitting it (vid:pid) matches a device that reports no serial at all.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := device.ParseIdentity(args[1])
			if err != nil {
				return err
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			decision := device.Allowed
			if deny {
				decision = device.Denied
			}
			body := map[string]any{
				"vid":      id.VendorID,
				"pid":      id.ProductID,
				"serial":   id.Serial,
				"name":     name,
				"decision": decision,
			}
			path := "/api/users/" + url.PathEscape(args[0]) + "/devices"
			if err := client.call(cmd.Context(), http.MethodPost, path, nil, body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s for %s\n", id, decision, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name stored with a new device")
	cmd.Flags().BoolVar(&deny, "deny", false, "record a deny decision instead of allow")
	return cmd
}

func revokeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [username] [device-id]",
		Short: "Remove a user's decision for a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid device id %q (see `usbgatectl devices %s`)", args[1], args[0])
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/users/%s/devices/%d", url.PathEscape(args[0]), deviceID)
			if err := client.call(cmd.Context(), http.MethodDelete, path, nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked device %d for %s\n", deviceID, args[0])
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
