package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/history"
)

func transcriptCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "transcript <sessionID>",
		Short: "Print the combined history of a session from a SQLite history database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.NewSQLiteStore(dbPath, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			session, ok, err := store.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %q not found in %s", args[0], dbPath)
			}
			msgs, err := store.GetCombined(cmd.Context(), session.ID)
			if err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), session, msgs)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "data/history.db", "SQLite history database")
	return cmd
}

func printTranscript(out io.Writer, session conversation.Session, msgs []conversation.Message) {
	channels := make([]string, 0, len(session.Channels))
	for _, c := range session.Channels {
		channels = append(channels, string(c))
	}
	fmt.Fprintf(out, "session %s started %s channels [%s]\n",
		session.ID, session.StartTime.Format(time.RFC3339), strings.Join(channels, ","))

	for _, m := range msgs {
		content := m.Content
		switch {
		case m.Role == conversation.RoleTool:
			content = fmt.Sprintf("%s -> %s", m.ToolName, m.Content)
		case len(m.ToolCalls) > 0:
			names := make([]string, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				names = append(names, call.Name+call.Arguments)
			}
			content = "calls " + strings.Join(names, ", ")
		}
		marker := ""
		if m.Interrupted {
			marker = " (interrupted)"
		}
		fmt.Fprintf(out, "%s %-9s [%s]%s %s\n",
			m.Timestamp.Format("15:04:05.000"), m.Role, m.TurnID, marker, content)
	}
}
