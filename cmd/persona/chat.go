package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

const chatHelp = `Type a message to chat. Commands:
  /image <prompt>     generate an image
  /new                start a new conversation
  /list [query]       list conversations, optionally filtered by title
  /select <id>        switch to a conversation (an id prefix is enough)
  /delete <id>        delete a conversation
  /model flash|pro    model for new conversations
  /dev on|off         senior engineer persona
  /login <name> <email>
  /logout             delete all conversations and sign out
  /quit`

func newChatCmd(a *app) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !verbose {
				observability.SetLevel("warn")
			}

			r := &repl{svc: a.svc, in: cmd.InOrStdin(), out: cmd.OutOrStdout()}
			err := r.run(cmd.Context())

			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			_ = a.svc.Wait(ctx)
			return err
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
	return cmd
}

type repl struct {
	svc *conversation.Service
	in  io.Reader
	out io.Writer
}

func (r *repl) run(ctx context.Context) error {
	if u := r.svc.CurrentUser(); u != nil {
		r.printf("Welcome back, %s.\n", u.Name)
	}
	r.printf("%s\n\n", chatHelp)

	sc := bufio.NewScanner(r.in)
	for {
		r.prompt()
		if !sc.Scan() {
			r.printf("\n")
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			r.send(ctx, line, domain.ModeChat)
			continue
		}

		name, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch name {
		case "/quit", "/exit":
			return nil
		case "/help":
			r.printf("%s\n", chatHelp)
		case "/image":
			r.send(ctx, arg, domain.ModeImage)
		case "/new":
			id := r.svc.NewChat(ctx)
			r.printf("Started %s.\n", shortID(id))
		case "/list":
			r.list(arg)
		case "/select":
			r.selectChat(arg)
		case "/delete":
			r.deleteChat(ctx, arg)
		case "/model":
			if err := r.svc.SetModel(domain.ModelID(arg)); err != nil {
				r.printf("Unknown model %q; use flash or pro.\n", arg)
				continue
			}
			r.printf("New conversations use %s.\n", r.svc.Model().Label())
		case "/dev":
			r.svc.SetDevMode(arg == "on")
			r.printf("Dev mode %s.\n", onOff(r.svc.DevMode()))
		case "/login":
			r.login(ctx, arg)
		case "/logout":
			if err := r.svc.Logout(ctx); err != nil {
				r.printf("Logout failed: %v\n", err)
				continue
			}
			r.printf("Signed out. All conversations were deleted.\n")
		default:
			r.printf("Unknown command %s. Type /help.\n", name)
		}
	}
}

// send submits a turn and prints the reply as it streams in.
func (r *repl) send(ctx context.Context, text string, mode domain.Mode) {
	turn, err := r.svc.SendMessage(ctx, text, mode)
	if err != nil {
		r.printf("Not sent: %v\n", err)
		return
	}

	changed := make(chan struct{}, 1)
	cancel := r.svc.Store().Subscribe(func(ev conversation.Event) {
		if ev.Session.ID != turn.SessionID {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	printed := 0
	if mode == domain.ModeImage {
		r.printf("%s\n", domain.ImagePlaceholder)
	}

	flush := func() (domain.Message, bool) {
		sess, ok := r.svc.Session(turn.SessionID)
		if !ok {
			return domain.Message{}, false
		}
		i := sess.IndexOf(turn.Placeholder.ID)
		if i < 0 {
			return domain.Message{}, false
		}
		m := sess.Messages[i]
		if mode == domain.ModeChat && m.Status != domain.StatusPending && len(m.Content) > printed {
			r.printf("%s", m.Content[printed:])
			printed = len(m.Content)
		}
		return m, true
	}

	for {
		select {
		case <-changed:
			flush()
		case <-turn.Done():
			m, ok := flush()
			r.finish(m, ok, mode)
			return
		case <-ctx.Done():
			r.printf("\n(interrupted; the reply keeps arriving in the background)\n")
			return
		}
	}
}

func (r *repl) finish(m domain.Message, ok bool, mode domain.Mode) {
	switch {
	case !ok:
		r.printf("\n(conversation deleted)\n")
	case m.Status == domain.StatusError:
		r.printf("\n(the model did not answer; try again)\n")
	case mode == domain.ModeImage:
		r.printf("%s\n", m.Content)
		if m.ImageData != "" {
			r.printf("(image attached, %d bytes as data URL; open it with `persona serve`)\n", len(m.ImageData))
		}
	default:
		r.printf("\n")
	}
}

func (r *repl) list(query string) {
	active := r.svc.ActiveID()
	sessions := r.svc.Search(query)
	if len(sessions) == 0 {
		r.printf("No conversations.\n")
		return
	}
	for _, s := range sessions {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		r.printf("%s %s  %-40s  %s  %d messages\n", marker, shortID(s.ID), s.Title, s.Model.Label(), len(s.Messages))
	}
}

func (r *repl) selectChat(prefix string) {
	id, ok := r.resolve(prefix)
	if !ok {
		r.svc.SelectChat("")
		r.printf("No conversation matches %q.\n", prefix)
		return
	}
	r.svc.SelectChat(id)

	sess, _ := r.svc.Session(id)
	r.printf("Switched to %q.\n", sess.Title)
	for _, m := range sess.Messages {
		r.printf("%s: %s\n", m.Role, m.Content)
	}
}

func (r *repl) deleteChat(ctx context.Context, prefix string) {
	id, ok := r.resolve(prefix)
	if !ok {
		r.printf("No conversation matches %q.\n", prefix)
		return
	}
	r.svc.DeleteChat(ctx, id)
	r.printf("Deleted %s.\n", shortID(id))
}

func (r *repl) login(ctx context.Context, arg string) {
	name, email, _ := strings.Cut(arg, " ")
	u := domain.User{Name: name, Email: strings.TrimSpace(email)}
	if arg == "google" {
		u = conversation.GoogleUser
	}

	user, err := r.svc.Login(ctx, u)
	if err != nil {
		r.printf("Login failed: %v\n", err)
		return
	}
	r.printf("Signed in as %s <%s>.\n", user.Name, user.Email)
}

// resolve matches a full id or a unique id prefix.
func (r *repl) resolve(prefix string) (domain.SessionID, bool) {
	if prefix == "" {
		return "", false
	}
	var match domain.SessionID
	for _, s := range r.svc.Sessions() {
		if s.ID == domain.SessionID(prefix) {
			return s.ID, true
		}
		if strings.HasPrefix(string(s.ID), prefix) {
			if match != "" {
				return "", false
			}
			match = s.ID
		}
	}
	return match, match != ""
}

func (r *repl) prompt() {
	label := "new"
	if sess, ok := r.svc.ActiveSession(); ok {
		label = sess.Model.Label()
	}
	r.printf("[%s] > ", label)
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func shortID(id domain.SessionID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
