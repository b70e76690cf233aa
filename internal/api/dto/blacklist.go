package dto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"trafficguard/internal/domain"
)

type BlacklistUpdateRequest struct {
	IP     string `json:"ip" validate:"required,ip|cidr"`
	Action string `json:"action" validate:"omitempty,oneof=add remove"`
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

type BlacklistUpdateResponse struct {
	Message   string   `json:"message"`
	IP        string   `json:"ip"`
	Action    string   `json:"action"`
	Changed   bool     `json:"changed"`
	Blacklist []string `json:"blacklist"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"status,omitempty"`
}

var validate = validator.New()

// Normalize trims the fields and lower-cases the action before validation.
func (r *BlacklistUpdateRequest) Normalize() {
	r.IP = strings.TrimSpace(r.IP)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.Reason = strings.TrimSpace(r.Reason)
}

// Validate returns a validation-kind error describing the first bad field.
func (r BlacklistUpdateRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.Validationf("invalid request: %v", err)
	}
	return domain.Validationf("%s", getValidationMessage(fieldErrs[0]))
}

func getValidationMessage(e validator.FieldError) string {
	switch {
	case e.Field() == "IP" && e.Tag() == "required":
		return "IP is required"
	case e.Field() == "IP":
		return "IP must be a valid IP address or CIDR range"
	case e.Field() == "Reason":
		return fmt.Sprintf("reason must be at most %s characters", e.Param())
	case e.Tag() == "oneof":
		return fmt.Sprintf("invalid action: use one of %s", strings.ReplaceAll(e.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s: validation failed: %s", e.Field(), e.Tag())
	}
}
