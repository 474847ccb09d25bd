package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/voxturn/backend/internal/handler/webhook"
	"github.com/zhouzirui/voxturn/backend/internal/middleware"
	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

type sendOptions struct {
	url          string
	secret       string
	eventType    string
	conversation string
	turnID       string
	text         string
	channel      string
	timeout      time.Duration
}

func sendCmd() *cobra.Command {
	opts := sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign and post one webhook event, printing the streamed reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://localhost:8080/api/agent", "Webhook endpoint")
	f.StringVar(&opts.secret, "secret", os.Getenv("LAYERCODE_WEBHOOK_SECRET"), "Webhook signing secret (empty sends unsigned)")
	f.StringVar(&opts.eventType, "type", string(conversation.EventMessage), "Event type: session.start, message, session.update, session.end")
	f.StringVar(&opts.conversation, "conversation", "", "Conversation id, e.g. call42_channel_a")
	f.StringVar(&opts.turnID, "turn", "", "Turn id (random when empty)")
	f.StringVar(&opts.text, "text", "", "Utterance text for message events")
	f.StringVar(&opts.channel, "channel", "", "Optional metadata.channel hint (A or B)")
	f.DurationVar(&opts.timeout, "timeout", 90*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func buildEvent(opts sendOptions) (conversation.Event, error) {
	typ := conversation.EventType(opts.eventType)
	if !typ.Valid() {
		return conversation.Event{}, fmt.Errorf("unknown event type %q", opts.eventType)
	}
	if typ == conversation.EventMessage && strings.TrimSpace(opts.text) == "" {
		return conversation.Event{}, fmt.Errorf("--text is required for message events")
	}

	ev := conversation.Event{
		Type:           typ,
		ConversationID: opts.conversation,
		TurnID:         opts.turnID,
		Text:           opts.text,
	}
	if ev.TurnID == "" {
		ev.TurnID = uuid.NewString()
	}
	if opts.channel != "" {
		ev.Metadata = &conversation.EventMetadata{Channel: opts.channel}
	}
	return ev, nil
}

func runSend(ctx context.Context, out io.Writer, opts sendOptions) error {
	ev, err := buildEvent(opts)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.secret != "" {
		req.Header.Set(middleware.SignatureHeader, middleware.Sign(opts.secret, body, time.Now()))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	fmt.Fprintf(out, "%s %s -> %s\n", ev.Type, ev.TurnID, resp.Status)
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook rejected event: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_, err := io.Copy(out, resp.Body)
		fmt.Fprintln(out)
		return err
	}
	return printFrames(resp.Body, out)
}

// printFrames renders each SSE data frame on its own line.
func printFrames(r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var f webhook.Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			fmt.Fprintf(out, "[raw]  %s\n", line)
			continue
		}
		switch f.Type {
		case webhook.FrameTTS:
			fmt.Fprintf(out, "[tts]  %v\n", f.Content)
		case webhook.FrameData:
			data, _ := json.Marshal(f.Content)
			fmt.Fprintf(out, "[data] %s\n", data)
		case webhook.FrameEnd:
			fmt.Fprintln(out, "[end]")
			return nil
		default:
			fmt.Fprintf(out, "[%s] %v\n", f.Type, f.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed without response.end")
}
