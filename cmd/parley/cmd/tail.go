package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/server"
)

var (
	tailURL      string
	tailToken    string
	tailTenant   string
	tailTimezone string
	tailRooms    []string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect as a client and print every event",
	Long: `Connect to a running server, join as the token's identity, optionally join
rooms, and print each received event as one JSON line.

Examples:
  parley tail --token "$(parley token --user alice)" --room group:lobby
  parley tail --url ws://chat.example.com/ws --token $TOKEN --tenant acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := server.SignalContext(cmd.Context())
		defer stop()
		return tail(ctx, cmd.OutOrStdout())
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailURL, "url", config.Getenv("PARLEY_URL", "ws://localhost:8080/ws"), "server WebSocket URL")
	tailCmd.Flags().StringVar(&tailToken, "token", config.Getenv("PARLEY_TOKEN", ""), "identity token")
	tailCmd.Flags().StringVar(&tailTenant, "tenant", "", "tenant to join")
	tailCmd.Flags().StringVar(&tailTimezone, "timezone", "", "IANA timezone for local timestamps")
	tailCmd.Flags().StringSliceVar(&tailRooms, "room", nil, "room to join (repeatable)")
	rootCmd.AddCommand(tailCmd)
}

func tail(ctx context.Context, out io.Writer) error {
	if tailToken == "" {
		return errors.New("--token is required")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, tailURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", tailURL, err)
	}
	resp.Body.Close()
	defer conn.Close()

	send := func(kind event.Kind, data any) error {
		return conn.WriteJSON(map[string]any{"event": kind, "data": data})
	}
	if err := send(event.KindUserJoin, map[string]string{
		"token":    tailToken,
		"tenant":   tailTenant,
		"timezone": tailTimezone,
	}); err != nil {
		return err
	}
	for _, room := range tailRooms {
		if err := send(event.KindRoomJoin, map[string]string{"room_id": room}); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = conn.SetReadDeadline(deadline)
	}()

	enc := json.NewEncoder(out)
	for {
		var frame json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := enc.Encode(frame); err != nil {
			return err
		}
	}
}
