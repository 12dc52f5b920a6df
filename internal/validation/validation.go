// Package validation provides input validation helpers for the escrow engine.
//
// Validators are composed with Validate, which runs every check and returns
// all violations at once instead of stopping at the first.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mbd888/escrowpay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// ErrValidation is matched by errors.Is for any ValidationErrors value.
var ErrValidation = errors.New("validation failed")

var (
	// refRegex validates opaque record/owner references
	refRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

	fieldValidator = validator.New()
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidRef checks if a string is a well-formed opaque reference
func IsValidRef(ref string) bool {
	return refRegex.MatchString(ref)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single violation
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error lists every violation.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) true.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// Fields returns the names of the offending fields in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.Field
	}
	return out
}

// Err returns nil when there are no violations, so callers can write
// `return validation.Validate(...).Err()`.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Validate runs every validator and returns all violations
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidRef checks that a reference has the opaque id shape
func ValidRef(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !IsValidRef(value) {
			return &ValidationError{Field: field, Message: "must be an opaque id ([A-Za-z0-9_-:.], max 128)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is greater than zero
func PositiveAmount(field string, value money.Money) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeAmount checks that an amount is zero or more
func NonNegativeAmount(field string, value money.Money) func() *ValidationError {
	return func() *ValidationError {
		if value.IsNegative() {
			return &ValidationError{Field: field, Message: "amount must not be negative"}
		}
		return nil
	}
}

// Check pairs a failing condition with its message.
func Check(field string, ok bool, message string) func() *ValidationError {
	return func() *ValidationError {
		if !ok {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// Rule validates value against a go-playground/validator tag such as
// "required,startswith=acct_". An empty rule only checks presence.
func Rule(field, value, rule string) func() *ValidationError {
	return func() *ValidationError {
		if rule == "" {
			rule = "required"
		}
		err := fieldValidator.Var(value, rule)
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return &ValidationError{Field: field, Message: "is required"}
			}
			msg := "failed rule " + fe.Tag()
			if fe.Param() != "" {
				msg += "=" + fe.Param()
			}
			return &ValidationError{Field: field, Message: msg}
		}
		return &ValidationError{Field: field, Message: "invalid rule " + rule}
	}
}
