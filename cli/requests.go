package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type requestView struct {
	ID          uint       `json:"id"`
	Username    string     `json:"username"`
	VendorID    string     `json:"vid"`
	ProductID   string     `json:"pid"`
	Serial      *string    `json:"serial"`
	DeviceName  string     `json:"device_name,omitempty"`
	DeviceInfo  string     `json:"device_info,omitempty"`
	Status      string     `json:"status"`
	AgentID     string     `json:"agent_id,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

func (r requestView) device() string {
	id := r.VendorID + ":" + r.ProductID
	if r.Serial != nil {
		id += ":" + *r.Serial
	}
	if r.DeviceInfo != "" {
		return id + " " + r.DeviceInfo
	}
	return id
}

func requestsCmd(opts *globalOptions) *cobra.Command {
	var status, user, from, to string
	var limit int
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"ls", "list"},
		Short:   "List authorization requests, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			query := url.Values{}
			setIf(query, "status", status)
			setIf(query, "username", user)
			setIf(query, "date_from", from)
			setIf(query, "date_to", to)
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var views []requestView
			if err := client.call(cmd.Context(), http.MethodGet, "/api/requests", query, nil, &views); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, views)
			}
			printRequests(out, views)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, denied)")
	cmd.Flags().StringVar(&user, "user", "", "filter by username substring")
	cmd.Flags().StringVar(&from, "from", "", "requested on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "requested on or before YYYY-MM-DD")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default 100)")
	return cmd
}

func printRequests(out io.Writer, views []requestView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tDEVICE\tSTATUS\tREQUESTED\tRESOLVED BY")
	fmt.Fprintln(w, "--\t----\t------\t------\t---------\t-----------")
	for _, v := range views {
		resolvedBy := v.ResolvedBy
		if resolvedBy == "" {
			resolvedBy = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Username, v.device(), v.Status, since(v.RequestedAt), resolvedBy)
	}
	w.Flush()
}

type resolveConflict struct {
	RequestID  uint   `json:"request_id"`
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by"`
}

func resolveCmd(opts *globalOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [request-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var result struct {
				RequestID uint   `json:"request_id"`
				Status    string `json:"status"`
			}
			path := fmt.Sprintf("/api/requests/%d/%s", id, action)
			err = client.call(cmd.Context(), http.MethodPost, path, nil, nil, &result)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
				var conflict resolveConflict
				if jsonErr := json.Unmarshal(apiErr.Body, &conflict); jsonErr == nil {
					return fmt.Errorf("request %d already %s by %s", id, conflict.Status, conflict.ResolvedBy)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "request %d %s\n", result.RequestID, result.Status)
			return nil
		},
	}
}

func exportCmd(opts *globalOptions) *cobra.Command {
	var output, status, user, from, to string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export authorization requests as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			query := url.Values{}
			setIf(query, "status", status)
			setIf(query, "username", user)
			setIf(query, "date_from", from)
			setIf(query, "date_to", to)
			resp, err := client.request(cmd.Context(), http.MethodGet, "/api/requests/export", query, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			n, err := io.Copy(out, resp.Body)
			if err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write CSV to file instead of stdout")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&user, "user", "", "filter by username substring")
	cmd.Flags().StringVar(&from, "from", "", "requested on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "requested on or before YYYY-MM-DD")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
