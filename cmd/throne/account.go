package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thronecompanions/throne/internal/compliance"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/onboarding"
)

// purchase runs a checkout for tier. Unless yes is set the visitor confirms
// payment before the session is checked.
func purchase(ctx context.Context, a *app, p *prompter, tier entitlement.TierID, yes bool) (bool, error) {
	session, err := a.client.CreateCheckout(ctx, tier)
	if err != nil {
		return false, fmt.Errorf("start checkout: %w", err)
	}
	p.printf("Complete your payment at %s\n", session.URL)
	if !yes {
		ok, err := p.confirm("Payment completed?")
		if err != nil {
			return false, err
		}
		if !ok {
			p.printf("Confirm later with `throne confirm %s`.\n", session.SessionID)
			return false, nil
		}
	}
	return confirmCheckout(ctx, a, p, session.SessionID)
}

func confirmCheckout(ctx context.Context, a *app, p *prompter, sessionID string) (bool, error) {
	status, err := a.client.ConfirmCheckout(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("confirm checkout: %w", err)
	}
	if !status.Confirmed() {
		p.printf("Checkout %s is still %s.\n", sessionID, status.Status)
		return false, nil
	}
	p.printf("%s unlocked.\n", entitlement.MustLookup(status.Tier).DisplayName)
	return true, nil
}

// activate makes tier the visitor's active tier on the backend and locally.
func activate(ctx context.Context, a *app, tier entitlement.TierID) error {
	if err := a.client.UpdateProfile(ctx, tier, ""); err != nil {
		return fmt.Errorf("activate tier: %w", err)
	}
	a.rememberTier(ctx, tier)
	return nil
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show onboarding progress, tier and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())

			gate := a.gate(ctx)
			ctl := a.controller(ctx, gate)
			progress := ctl.Progress()

			state := ctl.State()
			if ctl.Done() {
				p.println("Onboarding: complete")
			} else {
				p.printf("Onboarding: step %d of %d (%s)\n", state.Index(), len(onboarding.Steps), state)
			}
			if done := progress.CompletedSteps(); len(done) > 0 {
				names := make([]string, len(done))
				for i, s := range done {
					names[i] = string(s)
				}
				p.printf("Completed: %s\n", strings.Join(names, ", "))
			}
			record := gate.Record()
			for _, step := range compliance.Steps {
				mark := " "
				if record.Has(step) {
					mark = "x"
				}
				p.printf("  [%s] %s\n", mark, step.Title())
			}
			if progress.ChosenCompanion != "" {
				p.printf("Companion: %s\n", progress.ChosenCompanion)
			}

			me, err := a.client.Me(ctx, "")
			if err != nil {
				p.printf("Backend: unreachable (%v)\n", err)
				p.printf("Tier: %s (local)\n", a.activeTier(ctx, progress.ChosenTier))
				return nil
			}
			p.printf("Visitor: %s\n", me.VisitorID)
			p.printf("Tier: %s (unlocked up to %s)\n", me.Tier, me.UnlockedTier)
			if me.Quota.IsUnlimited() {
				p.printf("Messages: %d used, unlimited\n", me.Used)
			} else {
				p.printf("Messages: %d of %s used, %d left\n", me.Used, me.Quota, me.Quota.Remaining(me.Used))
			}
			if me.WindowSeconds > 0 {
				p.printf("Usage window: %s\n", time.Duration(me.WindowSeconds)*time.Second)
			}
			return nil
		},
	}
}

func newUpgradeCmd(o *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "upgrade <tier>",
		Short: "Buy and activate a higher tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tier, err := entitlement.Parse(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())

			if !entitlement.MustLookup(tier).IsFree() {
				paid, err := purchase(ctx, a, p, tier, yes)
				if err != nil || !paid {
					return err
				}
			}
			if err := activate(ctx, a, tier); err != nil {
				return err
			}
			p.printf("Active tier: %s\n", entitlement.MustLookup(tier).DisplayName)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the checkout without prompting")
	return cmd
}

func newConfirmCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <checkout-session>",
		Short: "Confirm a pending checkout and activate its tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())

			status, err := a.client.ConfirmCheckout(ctx, args[0])
			if err != nil {
				return fmt.Errorf("confirm checkout: %w", err)
			}
			if !status.Confirmed() {
				p.printf("Checkout %s is still %s.\n", args[0], status.Status)
				return nil
			}
			if err := activate(ctx, a, status.Tier); err != nil {
				return err
			}
			p.printf("Active tier: %s\n", entitlement.MustLookup(status.Tier).DisplayName)
			return nil
		},
	}
}

func newResetCmd(o *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget onboarding progress and the chat session on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()

			gate := a.gate(ctx)
			if err := a.controller(ctx, gate).Reset(ctx); err != nil {
				return err
			}
			if err := gate.Clear(ctx); err != nil {
				return err
			}
			keys := []string{kv.KeySessionID, kv.KeyCredential, kv.KeyActiveTier}
			if all {
				keys = append(keys, kv.KeyVisitorID)
			}
			var errs []error
			for _, key := range keys {
				if err := a.state.Clear(ctx, key); err != nil {
					errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local state cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also forget the visitor identity")
	return cmd
}
