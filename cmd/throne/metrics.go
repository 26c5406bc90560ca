package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/identity"
)

func newMetricsCmd(o *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the onboarding funnel and upgrade metrics (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if o.email == "" {
				return errors.New("metrics need an admin --email")
			}
			a, err := openApp(ctx, cmd, o)
			if err != nil {
				return err
			}
			defer a.Close()
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())

			token, err := a.client.IssueCredential(ctx, o.email, identity.RoleAdmin)
			if err != nil {
				return err
			}
			funnel, err := a.client.Funnel(ctx, token, days)
			if err != nil {
				return err
			}
			upgrades, err := a.client.Upgrades(ctx, token, days)
			if err != nil {
				return err
			}
			printFunnel(p, funnel)
			printUpgrades(p, upgrades)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to cover")
	return cmd
}

func printFunnel(p *prompter, f analytics.Funnel) {
	p.printf("Onboarding funnel, last %d days\n", f.Days)
	for _, s := range f.Steps {
		p.printf("  %-26s %5d  %6.2f%%\n", s.Step, s.Count, s.Conversion)
	}
}

func printUpgrades(p *prompter, u analytics.Upgrades) {
	p.printf("Upgrades, last %d days\n", u.Days)
	p.printf("  prompts shown %d, attempts %d, purchases %d\n", u.CTAShown, u.Attempts, u.Successes)
	p.printf("  click-through %.2f%%, success %.2f%%\n", u.ClickThrough, u.SuccessRate)

	tiers := make([]string, 0, len(u.ByTier))
	for t := range u.ByTier {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		c := u.ByTier[t]
		p.println(fmt.Sprintf("  %-12s shown %d, attempts %d, purchases %d",
			t, c[analytics.UpgradeCTAShown], c[analytics.UpgradeAttempt], c[analytics.UpgradeSuccess]))
	}
}
