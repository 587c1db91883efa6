package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the execution input stored with a job as JSON.
type Payload struct {
	Prompt           string   `json:"prompt" validate:"required"`
	WorkingDirectory string   `json:"working_directory" validate:"required"`
	AllowedTools     []string `json:"allowed_tools,omitempty" validate:"omitempty,dive,required"`
	CorrelationID    string   `json:"correlation_id,omitempty" validate:"omitempty,max=128"`
}

func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func (p *Payload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan payload: unsupported type %T", src)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
