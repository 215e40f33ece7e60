package check

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"

	"github.com/reviewbot/reviewbot/internal/configfiles"
)

// FileCheckResult is the outcome of checking (and maybe creating) one file.
type FileCheckResult struct {
	Path    string
	Exists  bool
	Created bool
	Error   error
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

func confirmCreate(path string) (bool, error) {
	var confirm bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Create %s from the example template?", path)).
		Affirmative("Yes").
		Negative("No").
		Value(&confirm).
		Run()
	if err != nil {
		return false, err
	}
	return confirm, nil
}

// checkFile checks config.yaml and, interactively, offers to create it
// from the embedded example template.
func (c *Checker) checkFile() error {
	result := FileCheckResult{Path: c.configPath}

	if fileExists(c.configPath) {
		result.Exists = true
		printFileStatus(c.configPath, true, false)
		c.report.AddFileResult(result)
		return nil
	}

	printFileStatus(c.configPath, false, false)

	confirm, err := confirmCreate(c.configPath)
	if err != nil {
		result.Error = fmt.Errorf("failed to get user confirmation: %w", err)
		c.report.AddFileResult(result)
		return result.Error
	}

	if !confirm {
		c.report.AddFileResult(result)
		return nil
	}

	content, err := configfiles.GetConfigExample()
	if err != nil {
		result.Error = fmt.Errorf("loading example config: %w", err)
		c.report.AddFileResult(result)
		return result.Error
	}

	if err := ensureDir(c.configPath); err != nil {
		result.Error = err
		c.report.AddFileResult(result)
		return err
	}

	if err := os.WriteFile(c.configPath, content, 0644); err != nil {
		result.Error = fmt.Errorf("writing %s: %w", c.configPath, err)
		c.report.AddFileResult(result)
		return result.Error
	}

	result.Created = true
	printFileCreated(c.configPath)
	c.report.AddFileResult(result)
	return nil
}

func (c *Checker) checkFileNonInteractive(result *CheckResult) {
	if !fileExists(c.configPath) {
		result.Success = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("config file not found: %s", c.configPath))
	}
}

func printFileStatus(path string, exists, created bool) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	switch {
	case exists:
		green.Printf("  ✓ %s\n", path)
	case created:
		green.Printf("  ✓ %s (created)\n", path)
	default:
		yellow.Printf("  ⚠ %s does not exist\n", path)
	}
}

func printFileCreated(path string) {
	color.New(color.FgGreen).Printf("  ✓ created %s\n", path)
}
