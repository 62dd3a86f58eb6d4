package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/transport/ws"
)

// Client follows one session over its WebSocket stream.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	done      chan struct{}
}

// NewClient connects to the session stream served at base.
func NewClient(base, sessionID string) (*Client, error) {
	addr, err := streamURL(base, sessionID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:      conn,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// SendUserMessage posts a user turn through the socket.
func (c *Client) SendUserMessage(text string) error {
	return c.conn.WriteJSON(ws.ClientMessage{
		Type: ws.TypeUserMessage,
		Text: text,
	})
}

// ReadEvents renders events to w until the connection closes.
func (c *Client) ReadEvents(w io.Writer) {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logger.Warn("read error", "err", err)
				}
				return
			}

			var evt domain.CompletionEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				logger.Warn("unmarshal error", "err", err)
				continue
			}
			renderEvent(w, evt)
		}
	}
}

// streamURL turns an http(s) or ws(s) base address into the session's
// WebSocket endpoint.
func streamURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

// renderEvent prints tokens inline and everything else on its own line.
func renderEvent(w io.Writer, evt domain.CompletionEvent) {
	switch evt.Type {
	case domain.EventTypeConnected:
		fmt.Fprintf(w, "[connected %s]\n", evt.SessionID)
	case domain.EventTypeAssistantToken:
		fmt.Fprint(w, evt.Token)
	case domain.EventTypeAssistantDone:
		total := 0
		if evt.TotalTokens != nil {
			total = *evt.TotalTokens
		}
		fmt.Fprintf(w, "\n[done %d tokens]\n", total)
	case domain.EventTypeDegraded:
		fmt.Fprintf(w, "\n[degraded] %s\n", evt.Message)
	case domain.EventTypeError:
		fmt.Fprintf(w, "\n[error] %s\n", evt.Message)
	case domain.EventTypeAssistantAudio:
		fmt.Fprintf(w, "[audio] %s", evt.AudioURL)
		if evt.DurationMs != nil {
			fmt.Fprintf(w, " (%dms)", *evt.DurationMs)
		}
		if evt.Voice != "" {
			fmt.Fprintf(w, " voice=%s", evt.Voice)
		}
		fmt.Fprintln(w)
	default:
		fmt.Fprintf(w, "[%s]\n", evt.Type)
	}
}

func newTailCmd() *cobra.Command {
	var (
		addr        string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Follow a session's live completion events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(addr, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			if !interactive {
				client.ReadEvents(out)
				return nil
			}

			fmt.Fprintln(out, "Type a message and press Enter to send. /quit to exit.")
			go client.ReadEvents(out)

			// Handle Ctrl+C
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-interrupt:
					fmt.Fprintln(out, "\nInterrupted")
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					input := strings.TrimSpace(line)
					if input == "" {
						continue
					}
					if input == "/quit" {
						return nil
					}
					if err := client.SendUserMessage(input); err != nil {
						logger.Warn("send error", "err", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Console server address")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read user messages from stdin")
	return cmd
}
