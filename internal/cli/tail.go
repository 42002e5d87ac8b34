package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// feedNotice is a hub notice with its payload left undecoded.
type feedNotice struct {
	Type  string          `json:"type"`
	RunID string          `json:"runId"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Addr string
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live worker feed of a running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, opts.Addr, cmd.OutOrStdout())
		},
	}

	defaultAddr := fmt.Sprintf("ws://127.0.0.1:%d/ws", rootOpts.Config.CachePort)
	cmd.Flags().StringVar(&opts.Addr, "addr", defaultAddr, "session feed address")

	return cmd
}

func runTail(ctx context.Context, addr string, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var notice feedNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			fmt.Fprintf(out, "%s\n", data)
			continue
		}
		printNotice(out, &notice)
	}
}

func printNotice(out io.Writer, n *feedNotice) {
	ts := time.UnixMilli(n.Ts).Format("15:04:05.000")
	header := fmt.Sprintf("%s %s", ts, color.New(color.Faint).Sprint(n.RunID))

	var msg protocol.Message
	if err := json.Unmarshal(n.Data, &msg); err != nil || msg.Type == "" {
		fmt.Fprintf(out, "%s %s %s\n", header, color.CyanString(n.Type), n.Data)
		return
	}

	switch msg.Type {
	case protocol.TypeLog:
		fmt.Fprintf(out, "%s [%s] %s\n", header, msg.Level, msg.Message)
	case protocol.TypeResult:
		fmt.Fprintf(out, "%s %s %s\n", header, color.GreenString("result"), msg.Data)
	case protocol.TypeError:
		fmt.Fprintf(out, "%s %s %s\n", header, color.RedString("error"), msg.Message)
		if msg.Stack != "" {
			fmt.Fprintln(out, msg.Stack)
		}
	}
}
