package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

var walletRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Error lists failed fields by their JSON name.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Normalizer is implemented by requests that clean themselves up before validation.
type Normalizer interface {
	Normalize()
}

// New returns a validator with the wallet and weburl tags registered and
// errors keyed by JSON field name.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("wallet", func(fl validatorv10.FieldLevel) bool {
		return IsWalletAddress(fl.Field().String())
	})
	_ = v.RegisterValidation("weburl", func(fl validatorv10.FieldLevel) bool {
		return isWebURL(fl.Field().String())
	})
	return v
}

// IsWalletAddress reports whether s is 0x followed by 40 hex digits, any case.
func IsWalletAddress(s string) bool {
	return walletRe.MatchString(s)
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Validate normalizes req when it supports it and checks it against v.
// Failures are returned as *Error.
func Validate(v *validatorv10.Validate, req any) error {
	if n, ok := req.(Normalizer); ok {
		n.Normalize()
	}
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return &Error{Fields: map[string]string{"body": err.Error()}}
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = message(fe)
	}
	return &Error{Fields: fields}
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "wallet":
		return "invalid wallet address format"
	case "weburl":
		return "must be an http or https URL"
	case "uuid":
		return "invalid product ID format"
	case "gt":
		return "must be a positive integer"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
