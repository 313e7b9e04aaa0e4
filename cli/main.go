package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

type globalOptions struct {
	server   string
	token    string
	insecure bool
	timeout  time.Duration
	json     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "usbgatectl",
		Short:         "usbgatectl - USB device authorization admin",
		Long:          "Review pending USB device requests and manage per-user device permissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("USBGATE_SERVER_URL", "https://localhost:8443"), "usbgate server URL")
	flags.StringVarP(&opts.token, "token", "t", os.Getenv("USBGATE_ADMIN_TOKEN"), "admin bearer token")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		statusCmd(opts),
		requestsCmd(opts),
		resolveCmd(opts, "approve", "Approve a pending request"),
		resolveCmd(opts, "deny", "Deny a pending request"),
		exportCmd(opts),
		usersCmd(opts),
		devicesCmd(opts),
		grantCmd(opts),
		revokeCmd(opts),
		tokensCmd(opts),
		agentsCmd(opts),
		watchCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

type stats struct {
	Users           int64 `json:"users"`
	Devices         int64 `json:"devices"`
	Allowed         int64 `json:"allowed_permissions"`
	Denied          int64 `json:"denied_permissions"`
	PendingRequests int64 `json:"pending_requests"`
	TotalRequests   int64 `json:"total_requests"`
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show overall authorization status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var st stats
			if err := client.call(cmd.Context(), http.MethodGet, "/api/stats", nil, nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "usbgate status\n")
			fmt.Fprintf(out, "==============\n\n")
			fmt.Fprintf(out, "Users:             %d\n", st.Users)
			fmt.Fprintf(out, "Devices:           %d\n", st.Devices)
			fmt.Fprintf(out, "Allowed:           %d\n", st.Allowed)
			fmt.Fprintf(out, "Denied:            %d\n", st.Denied)
			fmt.Fprintf(out, "Pending requests:  %d\n", st.PendingRequests)
			fmt.Fprintf(out, "Total requests:    %d\n", st.TotalRequests)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "usbgatectl version %s\n", Version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
