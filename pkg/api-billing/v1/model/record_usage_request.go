package model

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// RecordUsageRequest reports consumption against a metered capability.
// A negative delta releases previously recorded usage.
type RecordUsageRequest struct {

	// capability
	// Required: true
	Capability string `json:"capability"`

	// delta
	Delta int64 `json:"delta,omitempty"`
}

// Validate validates this record usage request
func (m *RecordUsageRequest) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validateCapability(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *RecordUsageRequest) validateCapability(_ strfmt.Registry) error {
	if err := validate.RequiredString("capability", "body", m.Capability); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *RecordUsageRequest) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *RecordUsageRequest) UnmarshalBinary(b []byte) error {
	var res RecordUsageRequest
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}
