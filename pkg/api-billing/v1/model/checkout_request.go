package model

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// CheckoutRequest opens a hosted checkout session for a paid plan.
type CheckoutRequest struct {

	// billing cycle
	// Enum: [monthly yearly]
	BillingCycle string `json:"billing_cycle,omitempty"`

	// ISO 4217 currency code
	Currency string `json:"currency,omitempty"`

	// billing contact for receipts and dunning notices
	// Format: email
	Email strfmt.Email `json:"email,omitempty"`

	// plan id
	// Required: true
	PlanID string `json:"plan_id"`
}

// Validate validates this checkout request
func (m *CheckoutRequest) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validatePlanID(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateBillingCycle(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateEmail(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *CheckoutRequest) validatePlanID(_ strfmt.Registry) error {
	if err := validate.RequiredString("plan_id", "body", m.PlanID); err != nil {
		return err
	}

	return nil
}

var checkoutRequestBillingCycleEnum = []interface{}{"monthly", "yearly"}

func (m *CheckoutRequest) validateBillingCycle(_ strfmt.Registry) error {
	if swag.IsZero(m.BillingCycle) {
		return nil
	}

	if err := validate.EnumCase("billing_cycle", "body", m.BillingCycle, checkoutRequestBillingCycleEnum, true); err != nil {
		return err
	}

	return nil
}

func (m *CheckoutRequest) validateEmail(formats strfmt.Registry) error {
	if swag.IsZero(m.Email) {
		return nil
	}

	if err := validate.FormatOf("email", "body", "email", m.Email.String(), formats); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *CheckoutRequest) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *CheckoutRequest) UnmarshalBinary(b []byte) error {
	var res CheckoutRequest
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}
