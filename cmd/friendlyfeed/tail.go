package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/friendlyfeed/friendlyfeed/internal/handlers"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pushkey"
)

func tailCmd() *cobra.Command {
	var (
		url   string
		token string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the feed events of a user as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("FRIENDLYFEED_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a token is required: pass --token or set FRIENDLYFEED_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, cmd.OutOrStdout(), url, token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/messages/ws", "feed WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "JWT (default: $FRIENDLYFEED_TOKEN)")
	return cmd
}

func tail(ctx context.Context, out io.Writer, url, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var ev handlers.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, formatEvent(ev))
		if ev.Type == "error" {
			return fmt.Errorf("feed error: %s", ev.Error)
		}
	}
}

func formatEvent(ev handlers.StreamEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s #%d", ev.Type, ev.Index)
	if ev.OldIndex != nil {
		fmt.Fprintf(&b, " (from #%d)", *ev.OldIndex)
	}
	if ev.Key != "" {
		b.WriteString(" " + ev.Key)
		if ts, err := pushkey.Timestamp(ev.Key); err == nil {
			b.WriteString(" " + humanize.Time(ts))
		}
	}
	if ev.Message != nil {
		fmt.Fprintf(&b, " %s:", ev.Message.Author)
		switch {
		case ev.Message.IsPlaceholder():
			b.WriteString(" [uploading image]")
		case ev.Message.ImageURL != nil:
			b.WriteString(" [image] " + *ev.Message.ImageURL)
		case ev.Message.Text != nil:
			b.WriteString(" " + *ev.Message.Text)
		}
	}
	if ev.Error != "" {
		b.WriteString(" " + ev.Error)
	}
	return b.String()
}
