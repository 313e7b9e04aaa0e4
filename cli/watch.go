package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/spf13/cobra"
)

func watchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream device requests and resolutions as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, client, opts, cmd.OutOrStdout())
		},
	}
}

func watch(ctx context.Context, client *apiClient, opts *globalOptions, out io.Writer) error {
	target, err := client.wsURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.timeout}
	if opts.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{"Authorization": []string{"Bearer " + client.token}}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed: status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	join, err := realtime.NewMessage(realtime.TypeJoin, realtime.JoinData{Scope: "admin"})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		return err
	}

	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if opts.json {
			if err := printJSON(out, msg); err != nil {
				return err
			}
			continue
		}
		line, err := describe(&msg)
		if err != nil {
			return err
		}
		if line != "" {
			fmt.Fprintf(out, "%s  %s\n", msg.Timestamp.Local().Format(time.TimeOnly), line)
		}
	}
}

// describe renders one frame for the terminal; frames without an admin
// meaning render as "".
func describe(msg *realtime.Message) (string, error) {
	switch msg.Type {
	case realtime.TypeJoined:
		return "watching for device requests (Ctrl-C to stop)", nil
	case realtime.TypeError:
		var data realtime.ErrorData
		if err := msg.Decode(&data); err != nil {
			return "", err
		}
		return "", errors.New(data.Error)
	case realtime.TypeDeviceRequest:
		var data realtime.DeviceRequestData
		if err := msg.Decode(&data); err != nil {
			return "", err
		}
		id := device.Identity{VendorID: data.VendorID, ProductID: data.ProductID, Serial: data.Serial}
		return fmt.Sprintf("request %d  %s wants %s %s  (usbgatectl approve %d)",
			data.RequestID, data.Username, id, data.DeviceInfo, data.RequestID), nil
	case realtime.TypeRequestResolved:
		var data realtime.ResolutionData
		if err := msg.Decode(&data); err != nil {
			return "", err
		}
		return fmt.Sprintf("request %d  %s for %s %s by %s",
			data.RequestID, data.Status, data.Username, data.Identity(), dash(data.ResolvedBy)), nil
	default:
		return "", nil
	}
}
