package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"misorachat/internal/client"
	"misorachat/internal/models"
	"misorachat/internal/session"
)

var (
	userPrompt      = color.New(color.FgGreen, color.Bold).Sprint("you> ")
	assistantPrompt = color.New(color.FgHiBlack).Sprint("assistant> ")
	dim             = color.New(color.Faint).SprintFunc()
	failMark        = color.New(color.FgRed).Sprint("✗")
)

const chatLongDesc string = `Start an interactive chat session against a running misorachat server.

Messages are shown immediately and confirmed once the server has stored them.
If a turn fails the message is withdrawn and a notice is printed; nothing is
retried automatically.

Commands:
  /new           Start a new conversation
  /clear         Clear the current conversation
  /history       Reprint the current conversation
  /name <name>   Change your display name
  /exit          Quit (Ctrl+D works too)

Examples:
  misorachat chat
  misorachat chat --server http://localhost:5173 --session work`

type chatCommander struct {
	server  string
	session string

	in  io.Reader
	out io.Writer
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with a misorachat server",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()
			return cmder.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cmder.server, "server", "s", "http://localhost:5173", "misorachat server URL")
	cmd.Flags().StringVar(&cmder.session, "session", session.DefaultID, "Session id sent with every request")
	return cmd
}

func (c *chatCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.in == nil {
		c.in = os.Stdin
	}
	if c.out == nil {
		c.out = os.Stdout
	}

	api := client.New(c.server, c.session, nil)
	rec := client.NewReconciler(api, nil)
	if err := rec.Load(ctx); err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	name, err := api.UserName(ctx)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	snap := rec.Snapshot()
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "  Hello %s %s\n", color.CyanString(name), dim(fmt.Sprintf("(conversation %s)", snap.ConversationID)))
	c.printEntries(snap.Entries)
	fmt.Fprintf(c.out, "  %s\n\n", dim("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, userPrompt)
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch {
		case input == "/exit":
			return nil
		case input == "/new":
			if err := rec.NewConversation(ctx); err != nil {
				c.fail(err)
				continue
			}
			fmt.Fprintf(c.out, "  %s\n\n", dim("new conversation "+rec.Snapshot().ConversationID))
			continue
		case input == "/clear":
			if err := rec.Clear(ctx); err != nil {
				c.fail(err)
				continue
			}
			fmt.Fprintf(c.out, "  %s\n\n", dim("conversation cleared"))
			continue
		case input == "/history":
			c.printEntries(rec.Snapshot().Entries)
			continue
		case strings.HasPrefix(input, "/name"):
			updated, err := api.SetUserName(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/name")))
			if err != nil {
				c.fail(err)
				continue
			}
			fmt.Fprintf(c.out, "  %s\n\n", dim("you are now "+updated))
			continue
		}

		if _, err := rec.Submit(ctx, input); err != nil {
			if notice := rec.Notice(); notice != "" {
				fmt.Fprintf(c.out, "  %s %s\n\n", failMark, notice)
				continue
			}
			c.fail(err)
			continue
		}
		entries := rec.Snapshot().Entries
		if n := len(entries); n > 0 && entries[n-1].Message.Role == models.RoleAssistant {
			fmt.Fprintf(c.out, "%s%s\n\n", assistantPrompt, entries[n-1].Message.Content)
		}
		if notice := rec.Notice(); notice != "" {
			fmt.Fprintf(c.out, "  %s\n\n", dim(notice))
		}
	}
	return scanner.Err()
}

func (c *chatCommander) printEntries(entries []client.Entry) {
	for _, e := range entries {
		prompt := userPrompt
		if e.Message.Role == models.RoleAssistant {
			prompt = assistantPrompt
		}
		fmt.Fprintf(c.out, "%s%s\n", prompt, e.Message.Content)
	}
	if len(entries) > 0 {
		fmt.Fprintln(c.out)
	}
}

func (c *chatCommander) fail(err error) {
	msg := err.Error()
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	fmt.Fprintf(c.out, "  %s %s\n\n", failMark, msg)
}
