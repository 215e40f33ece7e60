package check

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
)

// Report collects check results for a final summary line.
type Report struct {
	FileResults       []FileCheckResult
	ValidationResults []ValidationResult
}

func NewReport() *Report {
	return &Report{}
}

func (r *Report) AddFileResult(result FileCheckResult) {
	r.FileResults = append(r.FileResults, result)
}

func (r *Report) AddValidationResult(result ValidationResult) {
	r.ValidationResults = append(r.ValidationResults, result)
}

// Print prints a one-line pass/fail summary.
func (r *Report) Print() {
	r.printSeparator()
	r.printSummary(r.calculateSummary())
}

type reportSummary struct {
	filesMissing    int
	validationFails int
	hasErrors       bool
}

func (r *Report) calculateSummary() reportSummary {
	var s reportSummary
	for _, res := range r.FileResults {
		if !res.Exists && !res.Created {
			s.filesMissing++
		}
		if res.Error != nil {
			s.hasErrors = true
		}
	}
	for _, res := range r.ValidationResults {
		if !res.Valid {
			s.validationFails++
			s.hasErrors = true
		}
	}
	return s
}

func (r *Report) printSeparator() {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	fmt.Println(style.Render(strings.Repeat("-", 50)))
}

// PrintCheckResult prints a non-interactive CheckResult's errors,
// warnings, and suggestions.
func PrintCheckResult(result *CheckResult) {
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	if len(result.Errors) > 0 {
		fmt.Println()
		red.Println("[ERROR] environment check failed")
		for _, e := range result.Errors {
			red.Printf("  x %s\n", e)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Println()
		yellow.Println("[WARNING] configuration warnings:")
		for _, w := range result.Warnings {
			yellow.Printf("  ! %s\n", w)
		}
	}

	if len(result.Suggestions) > 0 {
		fmt.Println()
		cyan.Println("to fix these issues:")
		for _, s := range result.Suggestions {
			fmt.Printf("  -> %s\n", s)
		}
	}
	fmt.Println()
}

func (r *Report) printSummary(s reportSummary) {
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	switch {
	case s.hasErrors:
		red.Print("check failed")
	case s.filesMissing > 0:
		yellow.Print("check completed")
	default:
		green.Print("check completed")
	}

	var details []string
	if s.filesMissing > 0 {
		details = append(details, fmt.Sprintf("%d file(s) missing", s.filesMissing))
	}
	if s.validationFails > 0 {
		details = append(details, fmt.Sprintf("%d validation error(s)", s.validationFails))
	}
	if len(details) > 0 {
		fmt.Printf(" (%s)\n", strings.Join(details, ", "))
	} else {
		fmt.Println(" - all checks passed")
	}
}
