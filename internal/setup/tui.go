package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/config"
	"gopkg.in/yaml.v3"
)

// DefaultFile is where the wizard writes its result.
const DefaultFile = "capledger.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

func screen(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("CAPLEDGER SETUP"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to filename
// (DefaultFile when empty). It returns the path written.
func RunTUI(filename string) (string, error) {
	if filename == "" {
		filename = DefaultFile
	}

	var (
		ledgerID     = "default"
		dataDir      = "./wal"
		httpAddr     = ":8000"
		tlsDomains   string
		requireTerms bool
		confirm      bool
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CAPLEDGER SETUP"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Configure a cap table ledger.\n"))

	fmt.Println(stepStyle.Render("STEP 1: LEDGER"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Ledger ID").
				Description("One company or token per ledger").
				Value(&ledgerID).
				Validate(validateID),
			huh.NewInput().
				Title("Data directory").
				Description("Event log and records are stored here").
				Value(&dataDir).
				Validate(notEmpty("data directory")),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 2: API")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&httpAddr).
				Validate(notEmpty("listen address")),
			huh.NewInput().
				Title("TLS domains").
				Description("Comma separated, leave empty for plain HTTP").
				Value(&tlsDomains),
		),
	).Run()
	if err != nil {
		return "", err
	}

	var classes []config.ShareClassTmp
	for {
		screen(fmt.Sprintf("STEP 3: SHARE CLASS #%d", len(classes)+1))
		class, more, err := askShareClass(len(classes))
		if err != nil {
			return "", err
		}
		classes = append(classes, class)
		if !more {
			break
		}
	}

	defaultClass := classes[len(classes)-1].ID
	if len(classes) > 1 {
		screen("STEP 4: DEFAULTS")
		options := make([]huh.Option[string], 0, len(classes))
		for _, c := range classes {
			options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", c.Name, c.ID), c.ID))
		}
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Class receiving vesting releases").
					Options(options...).
					Value(&defaultClass),
				huh.NewConfirm().
					Title("Require a cap or discount on every convertible?").
					Value(&requireTerms),
			),
		).Run()
		if err != nil {
			return "", err
		}
	}

	cfgTmp := config.ConfigTmp{
		LedgerID:               ledgerID,
		DataDir:                dataDir,
		HTTPAddr:               httpAddr,
		TLSDomains:             splitDomains(tlsDomains),
		DefaultShareClass:      defaultClass,
		RequireConversionTerms: requireTerms,
		ShareClasses:           classes,
	}

	screen("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(cfgTmp)))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	if err := Save(cfgTmp, filename); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", filename)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return filename, nil
}

func askShareClass(index int) (config.ShareClassTmp, bool, error) {
	var (
		id          string
		name        string
		symbol      string
		priorityStr = strconv.Itoa(index)
		multiple    = "1"
		nonPart     bool
		more        bool
	)
	if index == 0 {
		id, name, symbol, multiple = "common", "Common", "CMN", "0"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("ID").Value(&id).Validate(validateID),
			huh.NewInput().Title("Name").Value(&name).Validate(notEmpty("name")),
			huh.NewInput().Title("Symbol").Value(&symbol),
			huh.NewInput().
				Title("Liquidation priority").
				Description("0 is paid first").
				Value(&priorityStr).
				Validate(validatePriority),
			huh.NewInput().
				Title("Preference multiple").
				Description("Multiple of cost basis paid before junior classes (0 for none)").
				Value(&multiple).
				Validate(validateMultiple),
			huh.NewConfirm().
				Title("Non-participating?").
				Description("Excluded from the residual distribution after preferences").
				Value(&nonPart),
			huh.NewConfirm().
				Title("Add another share class?").
				Value(&more),
		),
	).Run()
	if err != nil {
		return config.ShareClassTmp{}, false, err
	}

	priority, _ := strconv.Atoi(priorityStr)
	class := config.ShareClassTmp{
		ID:               strings.TrimSpace(id),
		Name:             strings.TrimSpace(name),
		Symbol:           strings.TrimSpace(symbol),
		Priority:         priority,
		NonParticipating: nonPart,
	}
	if d, err := decimal.NewFromString(multiple); err == nil && !d.IsZero() {
		class.PreferenceMultipleStr = d.String()
	}
	return class, more, nil
}

// Save validates cfgTmp and writes it as YAML.
func Save(cfgTmp config.ConfigTmp, filename string) error {
	if _, err := cfgTmp.Parse(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func summary(c config.ConfigTmp) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ledger: %s\nData dir: %s\nListen: %s\n", c.LedgerID, c.DataDir, c.HTTPAddr)
	if len(c.TLSDomains) > 0 {
		fmt.Fprintf(&b, "TLS: %s\n", strings.Join(c.TLSDomains, ", "))
	}
	fmt.Fprintf(&b, "Default class: %s\n", c.DefaultShareClass)
	for _, sc := range c.ShareClasses {
		multiple := sc.PreferenceMultipleStr
		if multiple == "" {
			multiple = "0"
		}
		fmt.Fprintf(&b, "  [%d] %s (%s) %sx", sc.Priority, sc.Name, sc.ID, multiple)
		if sc.NonParticipating {
			b.WriteString(" non-participating")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func validateID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(s, " /") {
		return fmt.Errorf("id must not contain spaces or slashes")
	}
	return nil
}

func validatePriority(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a whole number")
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateMultiple(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
