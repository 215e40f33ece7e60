// Package check provides the interactive first-run configuration wizard
// behind `reviewbot check`, plus the non-interactive preflight that
// `reviewbot serve` runs before starting.
package check

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// CheckResult is the outcome of a non-interactive preflight check.
type CheckResult struct {
	Success     bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// Checker walks the user through (or silently verifies) having a usable
// config.yaml before the server starts.
type Checker struct {
	configPath string
	report     *Report
	theme      *huh.Theme
}

// NewChecker builds a Checker scoped to configPath (usually "config.yaml").
func NewChecker(configPath string) *Checker {
	return &Checker{
		configPath: configPath,
		report:     NewReport(),
		theme:      huh.ThemeCharm(),
	}
}

// Run executes the full interactive check: offers to create config.yaml
// from the embedded template if missing, then validates it.
func (c *Checker) Run() error {
	c.printHeader()

	fmt.Println()
	printSection("Checking configuration file")
	if err := c.checkFile(); err != nil {
		return fmt.Errorf("file check failed: %w", err)
	}

	fmt.Println()
	printSection("Validating configuration")
	if err := c.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	fmt.Println()
	c.report.Print()

	return nil
}

func (c *Checker) printHeader() {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		MarginBottom(1)
	fmt.Println(titleStyle.Render("reviewbot environment check"))
}

func printSection(title string) {
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	fmt.Println(style.Render(title + "..."))
}

// RunNonInteractive performs the same checks without prompting or writing
// anything; it's what `serve` runs on every startup.
func (c *Checker) RunNonInteractive() *CheckResult {
	result := &CheckResult{Success: true}

	c.checkFileNonInteractive(result)
	if !result.Success {
		result.Suggestions = append(result.Suggestions,
			"Run 'reviewbot check' to interactively create a config file")
		return result
	}

	c.validateConfigNonInteractive(result)
	c.checkCredentialsNonInteractive(result)

	return result
}
