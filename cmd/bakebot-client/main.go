// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// bakebot-client is a terminal client for a BakeBot realtime room.
// It wires the resilience subsystem against the WebRTC transport,
// sends stdin lines as text messages, and prints connection
// transitions, inbound messages, and delivery failures.
//
// Session commands start with a slash:
//
//	/start [text|voice_ptt|voice_vad]   start a session
//	/end                                end the active session
//	/mute, /unmute                      toggle the microphone
//	/pending                            list undelivered messages
//	/errors                             list unresolved errors
//	/retry <message-id>                 manually retry a failed message
//	/recover <error-id>                 run one recovery attempt
//	/quit                               exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bakebot-ai/realtime/client"
	"github.com/bakebot-ai/realtime/connection"
	"github.com/bakebot-ai/realtime/delivery"
	"github.com/bakebot-ai/realtime/lib/config"
	"github.com/bakebot-ai/realtime/session"
	"github.com/bakebot-ai/realtime/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("bakebot-client", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the client config file (default: $BAKEBOT_CONFIG)")
	flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realtimeClient, err := client.New(client.Options{
		Transport: transport.NewWebRTCTransport(logger, nil),
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer realtimeClient.Close()

	transitions, unsubscribeTransitions := realtimeClient.Transitions()
	defer unsubscribeTransitions()
	deliveries, unsubscribeDeliveries := realtimeClient.Deliveries()
	defer unsubscribeDeliveries()
	go printEvents(ctx, transitions, deliveries, realtimeClient.Inbound())

	fmt.Printf("connecting to %s as %s...\n", cfg.Endpoint, cfg.Identity)
	if err := realtimeClient.Connect(ctx); err != nil {
		// A failed connect is not fatal: messages queue while offline
		// and the connection can be retried via the recovery engine.
		fmt.Printf("connect failed: %v (messages will be queued)\n", err)
	}

	return readLoop(ctx, realtimeClient)
}

// readLoop consumes stdin until EOF, the quit command, or signal.
func readLoop(ctx context.Context, realtimeClient *client.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, realtimeClient, line); quit {
				return nil
			}
			continue
		}
		if err := realtimeClient.SendText(ctx, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	return scanner.Err()
}

func runCommand(ctx context.Context, realtimeClient *client.Client, line string) (quit bool) {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "/quit":
		return true

	case "/start":
		sessionType := session.TypeText
		if len(args) > 0 {
			sessionType = session.Type(args[0])
		}
		if err := realtimeClient.StartSession(ctx, sessionType, ""); err != nil {
			fmt.Printf("start failed: %v\n", err)
			break
		}
		fmt.Printf("session started: %s\n", sessionType)

	case "/end":
		realtimeClient.EndSession(ctx)
		fmt.Println("session ended")

	case "/mute", "/unmute":
		muted := command == "/mute"
		if err := realtimeClient.UpdateSession(ctx, session.Patch{IsMuted: &muted}); err != nil {
			fmt.Printf("update failed: %v\n", err)
		}

	case "/pending":
		for _, item := range realtimeClient.PendingMessages() {
			fmt.Printf("  %s  attempt %d/%d  kind=%s\n",
				item.Message.ID, item.AttemptCount, item.MaxAttempts, item.Message.Kind)
		}

	case "/errors":
		for _, appErr := range realtimeClient.ActiveErrors() {
			fmt.Printf("  %s  [%s/%s]  %s\n",
				appErr.ID, appErr.Type.Category, appErr.Type.Severity, appErr.Type.UserMessage)
		}

	case "/retry":
		if len(args) != 1 {
			fmt.Println("usage: /retry <message-id>")
			break
		}
		if err := realtimeClient.RetryMessage(ctx, args[0]); err != nil {
			fmt.Printf("retry failed: %v\n", err)
		}

	case "/recover":
		if len(args) != 1 {
			fmt.Println("usage: /recover <error-id>")
			break
		}
		if err := realtimeClient.RecoverError(ctx, args[0]); err != nil {
			fmt.Printf("recover failed: %v\n", err)
		}

	default:
		fmt.Printf("unknown command: %s\n", command)
	}
	return false
}

// printEvents renders connection, delivery, and inbound activity to
// stdout until the context ends.
func printEvents(ctx context.Context, transitions <-chan connection.Transition, deliveries <-chan delivery.Notice, inbound <-chan transport.DataReceived) {
	for {
		select {
		case <-ctx.Done():
			return

		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if tr.Reason != nil {
				fmt.Printf("[connection] %s -> %s (%v)\n", tr.From, tr.To, tr.Reason)
			} else {
				fmt.Printf("[connection] %s -> %s\n", tr.From, tr.To)
			}

		case notice, ok := <-deliveries:
			if !ok {
				return
			}
			switch notice.Kind {
			case delivery.NoticeRetryScheduled:
				fmt.Printf("[delivery] %s attempt %d failed, retrying\n",
					notice.Item.Message.ID, notice.Item.AttemptCount)
			case delivery.NoticePermanentFailure:
				fmt.Printf("[delivery] %s failed permanently: %s (use /retry)\n",
					notice.Item.Message.ID, notice.Item.FailureReason)
			}

		case data, ok := <-inbound:
			if !ok {
				return
			}
			printInbound(data)
		}
	}
}

// printInbound decodes one received datagram. Undecodable payloads are
// shown raw rather than dropped.
func printInbound(data transport.DataReceived) {
	envelope, err := delivery.DecodeEnvelope(data.Payload)
	if err != nil {
		fmt.Printf("[%s] %d raw bytes\n", data.Sender, len(data.Payload))
		return
	}
	payload, err := envelope.DecodePayload()
	if err != nil {
		fmt.Printf("[%s] %s message\n", data.Sender, envelope.Type)
		return
	}
	switch p := payload.(type) {
	case delivery.TextPayload:
		fmt.Printf("[%s] %s\n", p.Sender, p.Content)
	case delivery.ImagePayload:
		fmt.Printf("[%s] image %s (%d bytes) %s\n", data.Sender, p.MIMEType, len(p.Data), p.Caption)
	case delivery.ControlPayload:
		fmt.Printf("[%s] control: %s\n", data.Sender, p.Action)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `BakeBot terminal client.

Reads lines from stdin and sends them as text messages to the room.
Lines starting with "/" are session commands; see the package comment
or try /start, /end, /mute, /pending, /errors.

Configuration is a YAML file named by $BAKEBOT_CONFIG or --config.

Usage:
  bakebot-client [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
