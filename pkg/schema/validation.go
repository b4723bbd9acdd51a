package schema

import "fmt"

// ValidationLevel indicates whether an issue is an error or warning.
type ValidationLevel string

const (
	LevelError   ValidationLevel = "error"
	LevelWarning ValidationLevel = "warning"
)

// ValidationIssue is a single graph defect with the nodes it concerns.
type ValidationIssue struct {
	Level   ValidationLevel `json:"level"`
	Code    string          `json:"code"`
	Path    string          `json:"path,omitempty"`
	Message string          `json:"message"`
	NodeIDs []string        `json:"affected_node_ids,omitempty"`
}

// ValidationResult aggregates every issue found for one graph.
// It is recomputed on each change and never persisted.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-level issue.
func (r *ValidationResult) AddError(path, code, message string, nodeIDs ...string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Level: LevelError, Code: code, Path: path, Message: message, NodeIDs: nodeIDs,
	})
}

// AddWarning appends a warning-level issue.
func (r *ValidationResult) AddWarning(path, code, message string, nodeIDs ...string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Level: LevelWarning, Code: code, Path: path, Message: message, NodeIDs: nodeIDs,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors followed by warnings.
func (r *ValidationResult) Issues() []ValidationIssue {
	out := make([]ValidationIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// ByCode returns every issue (either level) with the given code.
func (r *ValidationResult) ByCode(code string) []ValidationIssue {
	var out []ValidationIssue
	for _, is := range r.Issues() {
		if is.Code == code {
			out = append(out, is)
		}
	}
	return out
}

// ToError converts the result to an *Error if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
