package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/waterfall"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func money(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func pct(d decimal.Decimal) string {
	return d.StringFixed(2) + "%"
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...)
}

func renderCapTable(ct *ledger.CapTable) string {
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("%s @ %d", ct.LedgerID, ct.AsOfSequence)))

	classes := newTable("Class", "Priority", "Shares", "Ownership")
	for _, c := range ct.Classes {
		classes.Row(c.Name, strconv.Itoa(c.Priority), strconv.FormatInt(c.Shares, 10), pct(c.OwnershipPct))
	}
	fmt.Fprintln(&b, classes.Render())

	holders := newTable("Wallet", "Shares", "Cost basis", "Ownership")
	for _, h := range ct.Holders {
		holders.Row(h.Wallet, strconv.FormatInt(h.Shares, 10), money(h.CostBasisCents), pct(h.OwnershipPct))
	}
	holders.Row("total", strconv.FormatInt(ct.TotalShares, 10), money(ct.TotalCostBasisCents), "")
	fmt.Fprint(&b, holders.Render())
	return b.String()
}

func renderWaterfall(r *waterfall.Result) string {
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("exit %s @ %d", money(r.ExitAmountCents), r.AsOfSequence)))

	t := newTable("Tier", "Classes", "Wallet", "Source", "Payout")
	for _, tier := range r.Tiers {
		name := fmt.Sprintf("%s/%d", tier.Kind, tier.Priority)
		classes := strings.Join(tier.ShareClasses, ",")
		for _, p := range tier.Payouts {
			t.Row(name, classes, p.Wallet, string(p.Source), money(p.AmountCents))
		}
	}
	fmt.Fprintln(&b, t.Render())
	fmt.Fprintf(&b, "distributed %s, remaining %s", money(r.Distributed()), money(r.RemainingCents))
	return b.String()
}

func renderScenarios(results []*waterfall.Result) string {
	wallets := make(map[string]struct{})
	for _, r := range results {
		for w := range r.PayoutsByWallet() {
			wallets[w] = struct{}{}
		}
	}
	names := make([]string, 0, len(wallets))
	for w := range wallets {
		names = append(names, w)
	}
	sort.Strings(names)

	headers := []string{"Wallet"}
	for _, r := range results {
		headers = append(headers, money(r.ExitAmountCents))
	}
	t := newTable(headers...)
	for _, w := range names {
		row := []string{w}
		for _, r := range results {
			row = append(row, money(r.PayoutsByWallet()[w]))
		}
		t.Row(row...)
	}
	return t.Render()
}
