// Package validation wraps go-playground/validator with the PIX request rules.
package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/domain/entities"
)

var (
	digitsPattern = regexp.MustCompile(`^\d+$`)
	e164Pattern   = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	minAmount     = decimal.RequireFromString("0.01")
)

// ErrInvalidPixKey is returned when a key does not match its declared type
var ErrInvalidPixKey = errors.New("pix key does not match its type")

// ValidationError carries the failing fields of a request
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", field, rule))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Details converts the failing fields for the error envelope
func (e *ValidationError) Details() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// Validator wraps the validator library with custom validation rules
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	v := validator.New()

	// Report JSON field names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// decimal.Decimal is validated as its string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	v.RegisterValidation("amount", validateAmount)
	v.RegisterValidation("currency_code", validateCurrencyCode)
	v.RegisterValidation("pix_key_type", validatePixKeyType)
	v.RegisterValidation("phone_number", validatePhoneNumber)

	return &Validator{validate: v}
}

// Validate validates a struct and returns *ValidationError if validation fails
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields[fe.Field()] = rule
	}
	return out
}

// ValidateJSON binds and validates a JSON request body
func (v *Validator) ValidateJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		common.RespondBadRequest(c, "Invalid JSON format", nil)
		return false
	}
	return v.respond(c, v.Validate(obj))
}

// ValidateQuery binds and validates query parameters
func (v *Validator) ValidateQuery(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		common.RespondBadRequest(c, "Invalid query parameters", nil)
		return false
	}
	return v.respond(c, v.Validate(obj))
}

func (v *Validator) respond(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		common.SendValidationError(c, "The given data was invalid", verr.Details())
		return false
	}
	common.SendValidationError(c, err.Error(), nil)
	return false
}

// ValidatePixKey checks key against the format of keyType
func ValidatePixKey(keyType entities.PixKeyType, key string) error {
	key = strings.TrimSpace(key)
	ok := false
	switch keyType {
	case entities.PixKeyTypeCPF:
		ok = len(key) == 11 && digitsPattern.MatchString(key)
	case entities.PixKeyTypeCNPJ:
		ok = len(key) == 14 && digitsPattern.MatchString(key)
	case entities.PixKeyTypeEmail:
		addr, err := mail.ParseAddress(key)
		ok = err == nil && addr.Address == key
	case entities.PixKeyTypePhone:
		ok = e164Pattern.MatchString(key)
	case entities.PixKeyTypeRandom:
		_, err := uuid.Parse(key)
		ok = err == nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPixKey, keyType)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidPixKey, keyType)
	}
	return nil
}

// validateAmount requires a positive amount of at least 0.01 with at most two decimals
func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	if d.LessThan(minAmount) {
		return false
	}
	return d.Equal(d.Round(entities.AmountScale))
}

func validateCurrencyCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if len(code) != 3 || strings.ToUpper(code) != code {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

func validatePixKeyType(fl validator.FieldLevel) bool {
	switch entities.PixKeyType(fl.Field().String()) {
	case entities.PixKeyTypeCPF, entities.PixKeyTypeCNPJ, entities.PixKeyTypeEmail,
		entities.PixKeyTypePhone, entities.PixKeyTypeRandom:
		return true
	}
	return false
}

// validatePhoneNumber validates phone numbers (E.164 format)
func validatePhoneNumber(fl validator.FieldLevel) bool {
	return e164Pattern.MatchString(fl.Field().String())
}
