package pairing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types on the wire.
const (
	FrameServer = "server"
	FrameClient = "client"
)

// ErrInvalidFrame is returned for any frame that fails decoding.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a decoded inbound request.
type Frame struct {
	Type        string `json:"type"`
	Step        int    `json:"step"`
	Token       string `json:"token,omitempty"`
	CompanyID   *int64 `json:"companyId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Role maps the frame type to the party sending it.
func (f *Frame) Role() Role {
	if f.Type == FrameServer {
		return RoleAdmin
	}
	return RolePhone
}

// DecodeFrame validates raw against the frame schema and decodes it.
func DecodeFrame(raw []byte) (*Frame, error) {
	schema, err := compiledFrameSchema()
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidFrame)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &frame, nil
}
