package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/campuslink/campuslink/internal/media"
)

// runREPL reads commands from stdin until ctx is cancelled or stdin
// closes. It is a thin shell over the Client — every command maps to one
// public method.
func runREPL(ctx context.Context, c *Client) {
	in := bufio.NewReader(os.Stdin)
	fmt.Println("Type /help for commands.")

	for ctx.Err() == nil {
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			fmt.Println("Commands start with '/'. Try /help.")
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "/help":
			printHelp()

		case "/msg":
			if len(args) < 2 {
				fmt.Println("Usage: /msg <peer> <text>")
				continue
			}
			text := strings.TrimSpace(strings.TrimPrefix(line, "/msg "+args[0]))
			if _, err := c.SendMessage(ctx, args[0], text); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}

		case "/history":
			if len(args) != 1 {
				fmt.Println("Usage: /history <peer>")
				continue
			}
			msgs, err := c.RefreshHistory(ctx, args[0])
			if err != nil {
				fmt.Printf("history failed: %v\n", err)
				// Fall back to whatever the cache has.
				msgs, _ = c.Conversation(args[0])
			}
			for _, m := range msgs {
				who := m.SenderID
				if m.Mine {
					who = "me"
				}
				marks := ""
				if m.Starred {
					marks += "*"
				}
				if m.Pinned {
					marks += "^"
				}
				fmt.Printf("[%s] %s%s: %s (%s)\n", m.SentAt.Format("15:04"), who, marks, m.Text, m.Status)
			}

		case "/retry":
			if len(args) != 2 {
				fmt.Println("Usage: /retry <peer> <message-id>")
				continue
			}
			if err := c.RetryMessage(ctx, args[0], args[1]); err != nil {
				fmt.Printf("retry failed: %v\n", err)
			}

		case "/reply":
			if len(args) < 3 {
				fmt.Println("Usage: /reply <peer> <message-id> <text>")
				continue
			}
			text := strings.TrimSpace(strings.TrimPrefix(line, "/reply "+args[0]+" "+args[1]))
			if _, err := c.ReplyMessage(ctx, args[0], args[1], text); err != nil {
				fmt.Printf("reply failed: %v\n", err)
			}

		case "/star", "/unstar":
			if len(args) != 2 {
				fmt.Printf("Usage: %s <peer> <message-id>\n", cmd)
				continue
			}
			if err := c.StarMessage(args[0], args[1], cmd == "/star"); err != nil {
				fmt.Printf("%s failed: %v\n", strings.TrimPrefix(cmd, "/"), err)
			}

		case "/pin", "/unpin":
			if len(args) != 2 {
				fmt.Printf("Usage: %s <peer> <message-id>\n", cmd)
				continue
			}
			if err := c.PinMessage(args[0], args[1], cmd == "/pin"); err != nil {
				fmt.Printf("%s failed: %v\n", strings.TrimPrefix(cmd, "/"), err)
			}

		case "/read":
			if len(args) != 2 {
				fmt.Println("Usage: /read <peer> <message-id>")
				continue
			}
			if err := c.MarkMessageRead(args[0], args[1]); err != nil {
				fmt.Printf("read failed: %v\n", err)
			}

		case "/del":
			if len(args) != 2 {
				fmt.Println("Usage: /del <peer> <message-id>")
				continue
			}
			if err := c.DeleteMessage(args[0], args[1]); err != nil {
				fmt.Printf("delete failed: %v\n", err)
			}

		case "/call", "/vcall":
			if len(args) != 1 {
				fmt.Printf("Usage: %s <peer>\n", cmd)
				continue
			}
			if err := c.StartCall(ctx, args[0], cmd == "/vcall"); err != nil {
				fmt.Printf("call failed: %v\n", err)
			}

		case "/accept":
			if err := c.Accept(ctx); err != nil {
				fmt.Printf("accept failed: %v\n", err)
			}

		case "/reject":
			if err := c.Reject(); err != nil {
				fmt.Printf("reject failed: %v\n", err)
			}

		case "/end":
			if err := c.EndCall(); err != nil {
				fmt.Printf("end failed: %v\n", err)
			}

		case "/mute", "/unmute":
			kind := media.KindAudio
			if len(args) == 1 && args[0] == "video" {
				kind = media.KindVideo
			}
			if err := c.SetMuted(kind, cmd == "/mute"); err != nil {
				fmt.Printf("%s failed: %v\n", strings.TrimPrefix(cmd, "/"), err)
			}

		case "/camera":
			if err := c.SwitchCamera(); err != nil {
				fmt.Printf("camera switch failed: %v\n", err)
			}

		case "/status":
			printStatus(c)

		case "/quit":
			fmt.Println("Use Ctrl+C to quit.")

		default:
			fmt.Printf("Unknown command %s. Try /help.\n", cmd)
		}
	}
}

func printStatus(c *Client) {
	fmt.Printf("signaling: connected=%v\n", c.Connected())
	if s, ok := c.CurrentCall(); ok {
		fmt.Printf("call: %s %s with %s (%s)", s.CallID, s.State, s.RemoteID, s.Type)
		if d := s.Duration(); d > 0 {
			fmt.Printf(" %s", d.Round(time.Second))
		}
		fmt.Println()
		if st, ok := c.MediaStats(); ok {
			fmt.Printf("media: %d packets / %d bytes received\n", st.RemotePackets, st.RemoteBytes)
		}
	} else {
		fmt.Println("call: idle")
	}
	events := c.Events()
	if len(events) > 10 {
		events = events[len(events)-10:]
	}
	for _, e := range events {
		fmt.Println("  " + e)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /msg <peer> <text>        send a message")
	fmt.Println("  /history <peer>           show conversation (refreshes from backend)")
	fmt.Println("  /retry <peer> <id>        retry a failed message")
	fmt.Println("  /reply <peer> <id> <text> reply to a message")
	fmt.Println("  /star /unstar /pin /unpin <peer> <id>")
	fmt.Println("  /read <peer> <id>         mark a delivered message read")
	fmt.Println("  /del <peer> <id>          delete a message locally")
	fmt.Println("  /call <peer>              start an audio call")
	fmt.Println("  /vcall <peer>             start a video call")
	fmt.Println("  /accept  /reject  /end    answer, decline or hang up")
	fmt.Println("  /mute [video]  /unmute [video]")
	fmt.Println("  /camera                   switch camera")
	fmt.Println("  /status                   session status and recent events")
}
