// Command rtcore-cli is a terminal chat client for exercising the realtime
// core against a live signaling server: send messages, watch typing
// indicators and place calls from the command line.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aether-im/rtcore"
	"github.com/aether-im/rtcore/call"
	"github.com/aether-im/rtcore/messaging"
	"github.com/aether-im/rtcore/transport"
)

var (
	serverURL  string
	userID     string
	peerID     string
	token      string
	mediaURL   string
	historyURL string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rtcore-cli",
	Short: "terminal client for the rtcore realtime chat core",
	RunE:  run,
}

func init() {
	// Flags default from the environment so a .env file is enough for a
	// test rig.
	_ = godotenv.Load()

	rootCmd.Flags().StringVar(&serverURL, "server", os.Getenv("RTCORE_SERVER_URL"), "websocket signaling endpoint")
	rootCmd.Flags().StringVar(&userID, "user", os.Getenv("RTCORE_USER_ID"), "local user id")
	rootCmd.Flags().StringVar(&peerID, "peer", os.Getenv("RTCORE_PEER_ID"), "conversation peer id")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("RTCORE_TOKEN"), "bearer token for the auth handshake")
	rootCmd.Flags().StringVar(&mediaURL, "media-url", os.Getenv("RTCORE_MEDIA_URL"), "media upload service endpoint")
	rootCmd.Flags().StringVar(&historyURL, "history-url", os.Getenv("RTCORE_HISTORY_URL"), "message history service endpoint")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func run(cmd *cobra.Command, _ []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	options := rtcore.NewOptions()
	options.ServerURL = serverURL
	options.UserID = userID
	options.Token = token
	options.MediaServiceURL = mediaURL
	options.HistoryServiceURL = historyURL

	client, err := rtcore.New(options)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnConnectionState(func(state transport.State) {
		fmt.Printf("* connection: %s\n", state)
	})
	client.OnMessage(func(msg *messaging.Message) {
		fmt.Printf("%s: %s\n", msg.SenderID, msg.PayloadRef)
	})
	client.OnMessageFailed(func(msg *messaging.Message) {
		fmt.Printf("! failed to send: %s\n", msg.PayloadRef)
	})
	client.OnTyping(func(userID string, isTyping bool) {
		if isTyping {
			fmt.Printf("* %s is typing...\n", userID)
		}
	})
	client.OnIncomingCall(func(ev call.IncomingCall) {
		fmt.Printf("* incoming %s call from %s (/accept or /reject)\n", ev.CallType, ev.CallerID)
	})
	client.OnCallStateChange(func(ev call.StateChange) {
		fmt.Printf("* call %s: %s\n", ev.CallID, ev.State)
	})

	if peerID != "" {
		client.SetConversation(peerID)
	}
	client.EnterForeground()

	fmt.Printf("connected as %s, talking to %s — /help for commands\n", userID, peerID)
	return inputLoop(client)
}

func inputLoop(client *rtcore.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			client.OnTextChanged(line)
			if _, err := client.SendText(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/help":
			fmt.Println("/peer <id>  /call [video]  /accept  /reject  /end  /mute  /video  /camera")
			fmt.Println("/image <path>  /audio <path>  /history  /quit")
		case "/peer":
			if len(fields) < 2 {
				fmt.Println("! usage: /peer <id>")
				continue
			}
			client.SetConversation(fields[1])
			fmt.Printf("* conversation switched to %s\n", fields[1])
		case "/call":
			video := len(fields) > 1 && fields[1] == "video"
			if _, err := client.StartCall(client.Conversation(), video); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/accept":
			if err := client.AcceptCall(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/reject":
			if err := client.RejectCall("declined"); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/end":
			if err := client.EndCall(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/mute":
			fmt.Printf("* mute toggled: %v\n", client.ToggleMute())
		case "/video":
			fmt.Printf("* video toggled: %v\n", client.ToggleVideo())
		case "/camera":
			fmt.Printf("* camera switched: %v\n", client.SwitchCamera())
		case "/image", "/audio":
			if len(fields) < 2 {
				fmt.Printf("! usage: %s <path>\n", fields[0])
				continue
			}
			send := client.SendImage
			if fields[0] == "/audio" {
				send = client.SendAudio
			}
			if _, err := send(context.Background(), fields[1]); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/history":
			messages, err := client.History(context.Background())
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			for _, m := range messages {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderID, m.Payload)
			}
		case "/quit":
			return nil
		default:
			fmt.Printf("! unknown command %s\n", fields[0])
		}
	}
	return scanner.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
