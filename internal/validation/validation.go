// Package validation provides request validation for the escrowd API.
package validation

import (
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxURILength bounds evidence and meta-evidence references.
const MaxURILength = 2048

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	digitsRegex     = regexp.MustCompile(`^[0-9]+$`)

	// maxUint256 is the largest amount a base-unit field may carry.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed 20-byte hex address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
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

// ValidAddress checks if a field is a valid address. Empty passes; combine
// with Required for mandatory fields.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
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

// ValidAmount checks a base-unit integer: digits only, at most 2^256-1.
// Empty passes.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil
		}
		if !digitsRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a base-unit integer"}
		}
		v, _ := new(big.Int).SetString(value, 10)
		if v.Cmp(maxUint256) > 0 {
			return &ValidationError{Field: field, Message: "exceeds the maximum amount"}
		}
		return nil
	}
}

// ValidURI checks an evidence reference: an absolute URI with a scheme, no
// control characters, at most MaxURILength bytes. Empty passes.
func ValidURI(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) > MaxURILength {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		if strings.IndexFunc(value, unicode.IsControl) >= 0 {
			return &ValidationError{Field: field, Message: "must not contain control characters"}
		}
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" {
			return &ValidationError{Field: field, Message: "must be an absolute URI (e.g. ipfs://... or https://...)"}
		}
		return nil
	}
}

// AbortWithErrors writes a 400 carrying every failure.
func AbortWithErrors(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": errs.Error(),
		"details": errs,
	})
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
// Apply to route groups that include :address params to reject malformed addresses early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
