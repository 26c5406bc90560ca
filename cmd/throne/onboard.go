package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/compliance"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/onboarding"
)

func newOnboardCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Complete onboarding, resuming at the first unfinished step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()

			w := &wizard{
				app: a,
				p:   newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
			}
			w.gate = a.gate(ctx)
			w.ctl = a.controller(ctx, w.gate)
			return w.run(ctx)
		},
	}
}

type wizard struct {
	app  *app
	gate *compliance.Gate
	ctl  *onboarding.Controller
	p    *prompter
}

var stepTitles = map[onboarding.State]string{
	onboarding.Welcome:            "Welcome",
	onboarding.Compliance:         "Compliance",
	onboarding.CompanionSelection: "Choose your companion",
	onboarding.TierSelection:      "Choose your tier",
	onboarding.FirstGuidedChat:    "Your first conversation",
}

func (w *wizard) run(ctx context.Context) error {
	for !w.ctl.Done() {
		state := w.ctl.State()
		w.p.printf("\n[%d/%d] %s\n", state.Index(), len(onboarding.Steps), stepTitles[state])

		var err error
		switch state {
		case onboarding.Welcome:
			err = w.welcome(ctx)
		case onboarding.Compliance:
			err = w.compliance(ctx)
		case onboarding.CompanionSelection:
			err = w.companion(ctx)
		case onboarding.TierSelection:
			err = w.tier(ctx)
		case onboarding.FirstGuidedChat:
			err = w.firstChat(ctx)
		default:
			err = fmt.Errorf("unexpected onboarding state %q", state)
		}
		if err != nil {
			return err
		}
		if w.ctl.Degraded() {
			w.p.println("(progress could not be saved; it will be kept until you exit)")
		}
	}
	w.p.println("\nOnboarding complete. Run `throne chat` to talk to your companion.")
	return nil
}

func (w *wizard) welcome(ctx context.Context) error {
	w.p.println("Welcome to Throne, where your companions await.")
	w.p.println("A few quick steps and you will be on your way.")
	if _, err := w.p.ask("Press Enter to begin..."); err != nil {
		return err
	}
	_, err := w.ctl.CompleteWelcome(ctx)
	return err
}

func (w *wizard) compliance(ctx context.Context) error {
	step, done := w.gate.Current()
	if done {
		return errors.New("compliance gate is complete but onboarding did not advance")
	}

	var ev compliance.Evidence
	var err error
	w.p.printf("%s\n", step.Title())
	switch step {
	case compliance.AgeVerification:
		ev.Attested, err = w.p.confirm("I confirm that I am 18 years of age or older.")
	case compliance.TermsAndPrivacy:
		w.p.println("Please read the Terms of Service and Privacy Policy at /terms and /privacy.")
		ev.ReadToEnd, err = w.p.confirm("I have read both documents to the end and accept them.")
		ev.Attested = ev.ReadToEnd
	case compliance.ContentPolicy:
		w.p.println("Companions never produce illegal, hateful or non-consensual content.")
		ev.Attested, err = w.p.confirm("I acknowledge the content policy.")
	}
	if err != nil {
		return err
	}

	res, _, err := w.ctl.CompleteCompliance(ctx, step, ev)
	if err != nil {
		return err
	}
	if !res.Accepted {
		w.p.println(res.Message)
	}
	return nil
}

func (w *wizard) companion(ctx context.Context) error {
	list, err := w.app.client.ListCompanions(ctx)
	if err != nil {
		w.app.logger.Debug("Using built-in companion list", "error", err)
		list = companion.List()
	}
	for _, c := range list {
		w.p.printf("  %-8s %s: %s\n", c.ID, c.Name, c.Description)
	}

	id, err := w.p.ask("Companion: ")
	if err != nil {
		return err
	}
	if err := w.ctl.SelectCompanion(ctx, id); err != nil {
		if errors.Is(err, companion.ErrNotFound) || errors.Is(err, backend.ErrCompanionNotFound) {
			w.p.printf("No companion named %q.\n", id)
			return nil
		}
		return err
	}
	_, err = w.ctl.ConfirmCompanion(ctx)
	return err
}

// toolLabels names the companion tools in the order the tier cards list them.
var toolLabels = []struct {
	tool  entitlement.Tool
	label string
}{
	{entitlement.ToolRituals, "rituals"},
	{entitlement.ToolGrowthTracking, "growth tracking"},
	{entitlement.ToolFinance, "finance"},
	{entitlement.ToolCustomPacks, "custom packs"},
	{entitlement.ToolPersonaCustomizer, "persona customizer"},
	{entitlement.ToolPrivateHosting, "private hosting"},
}

func tierTools(t entitlement.Tier) string {
	var names []string
	for _, tl := range toolLabels {
		if t.HasTool(tl.tool) {
			names = append(names, tl.label)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func (w *wizard) tier(ctx context.Context) error {
	for _, id := range entitlement.Order() {
		t := entitlement.MustLookup(id)
		w.p.printf("  %-10s %-12s $%-4d %s messages\n", t.ID, t.DisplayName, t.Price, t.MessageQuota)
		w.p.printf("             memory %s, tools: %s\n", t.MemoryLabel(), tierTools(t))
	}

	// A tier picked before an unconfirmed checkout stays the default.
	_, staged := w.ctl.Staged()
	raw, err := w.p.ask(fmt.Sprintf("Tier [%s]: ", staged))
	if err != nil {
		return err
	}
	id := staged
	if raw != "" {
		if id, err = entitlement.Parse(raw); err != nil {
			w.p.printf("No tier named %q.\n", raw)
			return nil
		}
	}
	if err := w.ctl.SelectTier(id); err != nil {
		return err
	}

	if !entitlement.MustLookup(id).IsFree() {
		paid, err := purchase(ctx, w.app, w.p, id, false)
		if err != nil {
			return err
		}
		if !paid {
			w.p.println("Checkout not confirmed; choose again.")
			return nil
		}
	}
	if _, err := w.ctl.ConfirmTier(ctx); err != nil {
		return err
	}
	w.app.rememberTier(ctx, id)
	return nil
}

func (w *wizard) firstChat(ctx context.Context) error {
	script, err := w.ctl.Script()
	if err != nil {
		return err
	}
	name := script.Companion
	if c, err := companion.Get(script.Companion); err == nil {
		name = c.Name
	}
	for _, line := range script.Lines() {
		w.p.printf("%s: %s\n", name, line)
	}
	_, err = w.ctl.StartFirstChat(ctx)
	return err
}
