package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/chat"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/onboarding"
)

var errOnboardingIncomplete = errors.New("onboarding is not complete; run `throne onboard` first")

const chatHelp = `Commands:
  /pick <n>            choose a quick option of the pending clarification
  /answer              answer the pending clarification question by question
  /mode <mode> <text>  send text in another mode (voice, visuals, finance, persona_customizer)
  /usage               show messages used in this window
  /quit                leave the chat`

func newChatCmd(o *rootOptions) *cobra.Command {
	var companionID string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with your companion; with a message, send it once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()

			ctl := a.controller(ctx, a.gate(ctx))
			if !ctl.Done() {
				return errOnboardingIncomplete
			}
			progress := ctl.Progress()
			tier := a.activeTier(ctx, progress.ChosenTier)
			if companionID == "" {
				companionID = progress.ChosenCompanion
			}
			c, err := directory{remote: a.client}.GetCompanion(ctx, companionID)
			if err != nil {
				return err
			}

			s := &chatSession{
				p:    newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
				name: c.Name,
				m: chat.New(a.state, a.sender(), c.ID, tier,
					chat.WithCredentials(a.client),
					chat.WithLogger(a.logger),
					chat.WithTracker(a.client),
				),
			}
			if s.m.Identify(ctx, o.email) {
				s.p.println("(signed in as admin; quota does not apply)")
			}

			if len(args) > 0 {
				return s.send(ctx, chat.Input{Text: strings.Join(args, " ")})
			}
			s.restore(ctx, a.client, tier)
			return s.loop(ctx)
		},
	}
	cmd.Flags().StringVar(&companionID, "companion", "", "talk to another companion than the one chosen during onboarding")
	return cmd
}

type chatSession struct {
	p    *prompter
	m    *chat.Manager
	name string
}

// restore replays the backend's history of this session, or opens with the
// scripted introduction when there is none.
func (s *chatSession) restore(ctx context.Context, client *backend.Client, tier entitlement.TierID) {
	history, err := client.History(ctx, s.m.SessionID(ctx))
	if err == nil && len(history) > 0 {
		entries := make([]chat.Entry, 0, len(history))
		for _, h := range history {
			entries = append(entries, chat.Entry{
				ID:        h.ID,
				Role:      chat.Role(h.Role),
				Content:   h.Content,
				Timestamp: h.CreatedAt,
			})
		}
		s.m.Restore(entries)
	} else {
		s.m.AppendScript(onboarding.Intro(s.m.CompanionID(), tier).Lines()...)
	}
	for _, e := range s.m.Log() {
		s.print(e)
	}
	s.p.println("(type /help for commands)")
}

// prompts label the input line by the composer the session asks for.
var prompts = map[chat.Composer]string{
	chat.ComposerText:          "> ",
	chat.ComposerClarification: "(/answer or /pick) > ",
}

func (s *chatSession) loop(ctx context.Context) error {
	for {
		line, err := s.p.ask(prompts[s.m.Composer()])
		if errors.Is(err, errInputClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		in, quit, err := s.parse(line)
		switch {
		case quit:
			return nil
		case err != nil:
			s.p.println(err)
			continue
		case in == nil:
			continue
		}
		if err := s.send(ctx, *in); err != nil {
			return err
		}
	}
}

// parse turns a line into an input. A nil input with no error means the line
// was handled locally.
func (s *chatSession) parse(line string) (*chat.Input, bool, error) {
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return &chat.Input{Text: line}, false, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return nil, true, nil
	case "/help":
		s.p.println(chatHelp)
		return nil, false, nil
	case "/usage":
		s.printUsage()
		return nil, false, nil
	case "/pick":
		pending, ok := s.m.Pending()
		if !ok {
			return nil, false, chat.ErrNoClarification
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > len(pending.QuickOptions) {
			return nil, false, fmt.Errorf("pick a number between 1 and %d", len(pending.QuickOptions))
		}
		return &chat.Input{ChosenOption: pending.QuickOptions[n-1]}, false, nil
	case "/answer":
		pending, ok := s.m.Pending()
		if !ok {
			return nil, false, chat.ErrNoClarification
		}
		answers := make(map[int]string, len(pending.Questions))
		for i, q := range pending.Questions {
			ans, err := s.p.ask(q + " ")
			if err != nil {
				return nil, false, err
			}
			answers[i] = ans
		}
		return &chat.Input{Answers: answers}, false, nil
	case "/mode":
		mode, text, _ := strings.Cut(rest, " ")
		return &chat.Input{Text: text, Mode: entitlement.Mode(mode)}, false, nil
	default:
		return nil, false, fmt.Errorf("unknown command %s", cmd)
	}
}

func (s *chatSession) send(ctx context.Context, in chat.Input) error {
	res, err := s.m.Send(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.p.println(err)
		return nil
	}

	for _, e := range res.Entries {
		if e.Role == chat.RoleCompanion {
			s.print(e)
		}
	}
	switch res.Outcome {
	case chat.OutcomeClarification:
		s.printClarification(*res.Clarification)
	case chat.OutcomeReply:
		if s.m.ShowQuota() {
			s.printUsage()
		}
	}
	if res.Upgrade {
		s.printUpgrade(res)
		s.m.DismissUpgrade()
	}
	return nil
}

func (s *chatSession) print(e chat.Entry) {
	who := "You"
	if e.Role == chat.RoleCompanion {
		who = s.name
	}
	s.p.printf("%s: %s\n", who, e.Content)
}

func (s *chatSession) printClarification(p chat.Pending) {
	s.p.printf("%s: %s needs a little more from you.\n", s.name, p.Tag)
	for i, q := range p.Questions {
		s.p.printf("  %d. %s\n", i+1, q)
	}
	if len(p.QuickOptions) > 0 {
		s.p.println("Or start with one of:")
		for i, opt := range p.QuickOptions {
			s.p.printf("  [%d] %s\n", i+1, opt)
		}
	}
	s.p.println("(reply with /answer or /pick <n>)")
}

func (s *chatSession) printUsage() {
	t := s.m.Tier()
	if t.MessageQuota.IsUnlimited() || s.m.IsAdmin() {
		s.p.printf("[%d messages used]\n", s.m.Used())
		return
	}
	s.p.printf("[%d/%s messages used]\n", s.m.Used(), t.MessageQuota)
}

func (s *chatSession) printUpgrade(res chat.Result) {
	required := res.RequiredTier
	if required == "" {
		next, ok := entitlement.Next(s.m.Tier().ID)
		if !ok {
			return
		}
		required = next
	}
	if res.Denial == backend.DenialUpgradeRequired {
		s.p.printf("This needs %s. Unlock it with `throne upgrade %s`.\n",
			entitlement.MustLookup(required).DisplayName, required)
		return
	}
	s.p.printf("You've reached your %s limit. Continue with `throne upgrade %s`.\n", s.m.Tier().DisplayName, required)
}
