package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	tableNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)
	columnNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)
)

// RegisterCustomValidators registers the gate-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"table_name":   validateTableName,
		"column_name":  validateColumnName,
		"duration":     validateDuration,
	}
	for tag, fn := range validators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAuditOutput accepts "stderr" or "file://<absolute-dir>". Stdout is
// not an option: it carries the JSON-RPC stream.
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stderr" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateTableName accepts schema.table identifiers.
func validateTableName(fl validator.FieldLevel) bool {
	return tableNamePattern.MatchString(fl.Field().String())
}

// validateColumnName accepts schema.table.column identifiers.
func validateColumnName(fl validator.FieldLevel) bool {
	return columnNamePattern.MatchString(fl.Field().String())
}

// validateDuration accepts Go duration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate checks the config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Every sortable column must belong to an allowlisted table; a column
	// outside the table allowlist could never be reached anyway, so it is a
	// config mistake worth failing on.
	allowed := make(map[string]struct{}, len(c.Tables.Allowed))
	for _, t := range c.Tables.Allowed {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	for _, col := range c.Tables.OrderBy {
		lower := strings.ToLower(col)
		idx := strings.LastIndex(lower, ".")
		if idx < 0 {
			continue
		}
		table := lower[:idx]
		if _, ok := allowed[table]; !ok {
			return fmt.Errorf("tables.order_by: column %q references table %q which is not in tables.allowed", col, table)
		}
	}

	return nil
}

// formatValidationErrors turns validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s: failed %q validation (value: %v)",
			fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value()))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(messages, "\n  "))
}
