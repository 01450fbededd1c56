package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/client"
)

// confmesh-client is a headless conference participant. It joins a room,
// negotiates peer links with pion sample tracks, prints roster/chat/
// capability events, and sends each stdin line as a chat message.
//
// Commands:
//
//	/kick <connection-id>   ask the relay to remove a participant
//	/mute                   toggle the local audio track
//	/camera                 toggle the local video track
func main() {
	var (
		signalingURL = flag.String("url", "ws://127.0.0.1:8080/signaling", "signaling WebSocket URL")
		roomCode     = flag.String("room", "", "room code to join (required)")
		displayName  = flag.String("name", "", "display name (required)")
		moderator    = flag.Bool("moderator", false, "join with the moderator flag")
		apiKey       = flag.String("api-key", "", "API key for auth_mode=api_key relays")
		token        = flag.String("token", "", "JWT for auth_mode=jwt relays")
		logLevel     = flag.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if *roomCode == "" || *displayName == "" {
		fmt.Fprintln(os.Stderr, "-room and -name are required")
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	iceServers, err := fetchICEServers(*signalingURL)
	if err != nil {
		logger.Warn("ICE config fetch failed, continuing without STUN/TURN", "err", err)
	}
	transport := client.NewPionTransport(nil, iceServers)

	c, err := client.New(client.Config{
		URL:         *signalingURL,
		RoomCode:    *roomCode,
		DisplayName: *displayName,
		IsModerator: *moderator,
		APIKey:      *apiKey,
		Token:       *token,
	}, logger, transport, printEvent)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := c.ResolveMedia(client.SampleCaptureSource{}); err != nil {
		logger.Warn("media capture failed, joined without local media", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	go readCommands(ctx, c)

	if err := <-errCh; err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printEvent(e client.Event) {
	switch e.Kind {
	case client.EventConnected:
		fmt.Println("* connected")
	case client.EventDisconnected:
		fmt.Println("* disconnected, reconnecting")
	case client.EventMemberJoined:
		fmt.Printf("* %s joined (%s)\n", e.Member.DisplayName, e.Member.ConnectionID)
	case client.EventMemberLeft:
		fmt.Printf("* %s left\n", e.Member.DisplayName)
	case client.EventMemberKicked:
		fmt.Printf("* %s was removed\n", e.Member.DisplayName)
	case client.EventKicked:
		fmt.Printf("* removed from room: %s\n", e.Reason)
	case client.EventChat:
		fmt.Printf("<%s> %s\n", e.Chat.Author, e.Chat.Body)
	case client.EventChatUpdated:
		fmt.Printf("* message %s edited: %s\n", e.Chat.ID, e.Chat.Body)
	case client.EventChatDeleted:
		fmt.Printf("* message %s deleted\n", e.Chat.ID)
	case client.EventCapability:
		fmt.Printf("* %s media: audio=%t video=%t\n", e.RemoteID, e.Capability.HasAudio, e.Capability.HasVideo)
	case client.EventNotice:
		fmt.Printf("* %s\n", e.Notice.Text)
	}
}

func readCommands(ctx context.Context, c *client.Client) {
	audioOn, videoOn := true, true

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/mute":
			audioOn = !audioOn
			c.Media().SetAudioEnabled(audioOn)
			fmt.Printf("* audio %s\n", onOff(audioOn))
		case line == "/camera":
			videoOn = !videoOn
			c.Media().SetVideoEnabled(videoOn)
			fmt.Printf("* video %s\n", onOff(videoOn))
		case strings.HasPrefix(line, "/kick "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/kick "))
			if err := c.KickUser(target); err != nil {
				fmt.Printf("* kick failed: %v\n", err)
			}
		default:
			if _, err := c.SendChat(line); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// fetchICEServers asks the relay's HTTP surface for the ICE configuration
// that browser clients would use.
func fetchICEServers(signalingURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice endpoint returned %s", resp.Status)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out, nil
}
