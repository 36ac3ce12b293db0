package errors

import (
	"fmt"
)

// ValidationErrorData contains structured data for validation errors
type ValidationErrorData struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value,omitempty"`
	Expected   string      `json:"expected"`
	Got        string      `json:"got,omitempty"`
	Constraint string      `json:"constraint,omitempty"`
}

// ParameterErrorData contains structured data for parameter-related errors
type ParameterErrorData struct {
	Parameter string      `json:"parameter"`
	Value     interface{} `json:"value,omitempty"`
	Type      string      `json:"type,omitempty"`
	Required  bool        `json:"required,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// ValidationError creates a generic validation error
func ValidationError(message string) BSPError {
	return NewError(CodeInvalidParams, message, CategoryValidation, SeverityError)
}

// ValidationErrorf creates a generic validation error with formatting
func ValidationErrorf(format string, args ...interface{}) BSPError {
	return NewErrorf(CodeInvalidParams, CategoryValidation, SeverityError, format, args...)
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(param string, value interface{}, expected string) BSPError {
	got := "nil"
	if value != nil {
		got = fmt.Sprintf("%T", value)
		if str, ok := value.(string); ok && len(str) < 100 {
			got = fmt.Sprintf("%s(%q)", got, str)
		}
	}

	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid parameter '%s': expected %s, got %s", param, expected, got),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{
		Parameter: param,
		Value:     value,
		Type:      got,
		Reason:    fmt.Sprintf("expected %s", expected),
	})
}

// MissingParameter creates an error for missing required parameters
func MissingParameter(param string) BSPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Missing required parameter: %s", param),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{
		Parameter: param,
		Required:  true,
	})
}

// InvalidEnum creates an error for values outside an enumeration
func InvalidEnum(field string, value interface{}, validValues []string) BSPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid value for field '%s': must be one of %v", field, validValues),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:      field,
		Value:      value,
		Expected:   fmt.Sprintf("one of %v", validValues),
		Constraint: "enumeration",
	})
}

// CombineValidationErrors combines multiple validation errors into a single error
func CombineValidationErrors(errs []BSPError) BSPError {
	if len(errs) == 0 {
		return nil
	}

	if len(errs) == 1 {
		return errs[0]
	}

	messages := make([]string, len(errs))
	errorData := make([]interface{}, len(errs))

	for i, err := range errs {
		messages[i] = err.Message()
		errorData[i] = err.Data()
	}

	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Multiple validation errors: %v", messages),
		CategoryValidation,
		SeverityError,
	).WithData(map[string]interface{}{
		"errors": errorData,
		"count":  len(errs),
	})
}
