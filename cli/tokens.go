package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type enrollmentToken struct {
	ID         uint       `json:"id"`
	Token      string     `json:"token,omitempty"`
	Label      string     `json:"label"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at"`
	RedeemedBy string     `json:"redeemed_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

func tokensCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage agent enrollment tokens",
	}
	cmd.AddCommand(issueTokenCmd(opts), listTokensCmd(opts), revokeTokenCmd(opts))
	return cmd
}

func issueTokenCmd(opts *globalOptions) *cobra.Command {
	var label string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a single-use enrollment token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			body := map[string]any{
				"label":              label,
				"expires_in_seconds": int64(ttl / time.Second),
			}
			var token enrollmentToken
			if err := client.call(cmd.Context(), http.MethodPost, "/api/enroll/tokens", nil, body, &token); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), token)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token:    %s\n", token.Token)
			fmt.Fprintf(cmd.OutOrStdout(), "ID:       %d\n", token.ID)
			if !token.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Expires:  %s\n", token.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "The token is shown once; store it in the agent's enroll.token file.")
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "free-form label, e.g. the target host")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func listTokensCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrollment tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var tokens []enrollmentToken
			if err := client.call(cmd.Context(), http.MethodGet, "/api/enroll/tokens", nil, nil, &tokens); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), tokens)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATE\tREDEEMED BY\tEXPIRES")
			fmt.Fprintln(w, "--\t-----\t-----\t-----------\t-------")
			for _, t := range tokens {
				expires := "never"
				if !t.ExpiresAt.IsZero() {
					expires = t.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, dash(t.Label), t.state(time.Now()), dash(t.RedeemedBy), expires)
			}
			return w.Flush()
		},
	}
}

func (t enrollmentToken) state(now time.Time) string {
	switch {
	case t.UsedAt != nil:
		return "used"
	case !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

func revokeTokenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [token-id]",
		Short: "Revoke an unused enrollment token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid token id %q", args[0])
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			if err := client.call(cmd.Context(), http.MethodDelete, fmt.Sprintf("/api/enroll/tokens/%d", id), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked token %d\n", id)
			return nil
		},
	}
}

type agentSummary struct {
	AgentID          string    `json:"agent_id"`
	Hostname         string    `json:"hostname"`
	OSInfo           string    `json:"os_info"`
	LastSeen         time.Time `json:"last_seen"`
	RequiresRotation bool      `json:"requires_rotation"`
}

func agentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List enrolled agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var agents []agentSummary
			if err := client.call(cmd.Context(), http.MethodGet, "/api/agents", nil, nil, &agents); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT ID\tHOSTNAME\tOS\tLAST SEEN\tROTATION")
			fmt.Fprintln(w, "--------\t--------\t--\t---------\t--------")
			for _, a := range agents {
				rotation := "-"
				if a.RequiresRotation {
					rotation = "pending"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.AgentID, a.Hostname, dash(a.OSInfo), since(a.LastSeen), rotation)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(rotateAgentCmd(opts))
	return cmd
}

func rotateAgentCmd(opts *globalOptions) *cobra.Command {
	var clearFlag bool
	cmd := &cobra.Command{
		Use:   "rotate [agent-id]",
		Short: "Require an agent to rotate its key on next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			method := http.MethodPost
			if clearFlag {
				method = http.MethodDelete
			}
			path := "/api/agents/" + url.PathEscape(args[0]) + "/rotate"
			if err := client.call(cmd.Context(), method, path, nil, nil, nil); err != nil {
				return err
			}
			if clearFlag {
				fmt.Fprintf(cmd.OutOrStdout(), "cleared rotation requirement for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s will rotate its key\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearFlag, "clear", false, "clear a pending rotation requirement")
	return cmd
}
