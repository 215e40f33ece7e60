package check

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/reviewbot/reviewbot/internal/config"
)

// ValidationResult is the outcome of validating one config file.
type ValidationResult struct {
	Path  string
	Valid bool
	Error error
}

func (c *Checker) validateConfig() error {
	result := c.validateConfigFile()
	c.report.AddValidationResult(result)
	printValidationResult(result)

	if !result.Valid {
		return fmt.Errorf("config validation failed: %w", result.Error)
	}
	return nil
}

func (c *Checker) validateConfigFile() ValidationResult {
	result := ValidationResult{Path: c.configPath}

	if !fileExists(c.configPath) {
		result.Error = fmt.Errorf("file does not exist")
		return result
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		result.Error = fmt.Errorf("parse error: %w", err)
		return result
	}

	if err := cfg.Validate(); err != nil {
		result.Error = err
		return result
	}

	result.Valid = true
	return result
}

func (c *Checker) validateConfigNonInteractive(result *CheckResult) {
	v := c.validateConfigFile()
	if !v.Valid {
		result.Success = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("invalid %s: %v", c.configPath, v.Error))
	}
}

// checkCredentialsNonInteractive surfaces missing-but-recoverable settings
// as warnings rather than failing startup outright.
func (c *Checker) checkCredentialsNonInteractive(result *CheckResult) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.JWTSecret == "" {
		result.Warnings = append(result.Warnings,
			"dashboard.jwt_secret is empty; a secret will be generated for this process only and will invalidate tokens on restart")
	}
}

func printValidationResult(result ValidationResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	if result.Valid {
		green.Printf("  ✓ %s\n", result.Path)
		return
	}
	red.Printf("  ✗ %s: %v\n", result.Path, result.Error)
}
