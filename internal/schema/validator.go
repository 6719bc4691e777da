// internal/schema/validator.go
// Package schema provides JSON schema validation for token requests.
// It turns an arbitrary request body into a well-formed CallTokenRequest or
// an INVALID_INPUT error carrying the message the client shows to the user.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	errordefs "github.com/ExpertDevUX/socialworld/internal/errors"
	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// Messages returned for each kind of invalid request.
const (
	MsgInvalidBody        = "Invalid request body"
	MsgChannelRequired    = "Channel name is required"
	MsgInvalidChannelName = "Invalid channel name format"
	MsgInvalidUID         = "Invalid uid"
	MsgInvalidRole        = "Invalid role"
)

// ChannelNamePattern is the accepted channel name syntax.
const ChannelNamePattern = `^[A-Za-z0-9_-]+$`

// tokenRequestSchema describes CallTokenRequest. Unknown fields are tolerated
// so older and newer clients can share the endpoint.
var tokenRequestSchema = fmt.Sprintf(`{
	"type": "object",
	"properties": {
		"channelName": {"type": "string", "pattern": %q},
		"uid": {"type": "integer", "minimum": 0, "maximum": 4294967295},
		"role": {"type": "string", "enum": ["publisher", "audience"]}
	}
}`, ChannelNamePattern)

// Validator validates token requests against a compiled JSON schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the request schema.
func NewValidator() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(tokenRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid token request schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

func invalid(msg string, cause error) *errordefs.Error {
	return errordefs.Wrap(errordefs.INVALID_INPUT, msg, cause)
}

// ValidateTokenRequest parses body into a request. When several fields are
// wrong the channel name is reported first, then uid, then role.
func (v *Validator) ValidateTokenRequest(body []byte) (model.CallTokenRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return model.CallTokenRequest{}, invalid(MsgInvalidBody, err)
	}

	if ch, ok := raw["channelName"]; !ok || string(ch) == "null" || string(ch) == `""` {
		return model.CallTokenRequest{}, invalid(MsgChannelRequired, nil)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return model.CallTokenRequest{}, invalid(MsgInvalidBody, err)
	}
	if !result.Valid() {
		return model.CallTokenRequest{}, firstViolation(result.Errors())
	}

	var req model.CallTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "uid" {
			return model.CallTokenRequest{}, invalid(MsgInvalidUID, err)
		}
		return model.CallTokenRequest{}, invalid(MsgInvalidBody, err)
	}
	return req, nil
}

func firstViolation(errs []gojsonschema.ResultError) *errordefs.Error {
	byField := make(map[string]gojsonschema.ResultError, len(errs))
	for _, e := range errs {
		if _, seen := byField[e.Field()]; !seen {
			byField[e.Field()] = e
		}
	}

	order := []struct {
		field string
		msg   string
	}{
		{"channelName", MsgInvalidChannelName},
		{"uid", MsgInvalidUID},
		{"role", MsgInvalidRole},
	}
	for _, o := range order {
		if e, ok := byField[o.field]; ok {
			return invalid(o.msg, errors.New(e.String()))
		}
	}
	if len(errs) > 0 {
		return invalid(MsgInvalidBody, errors.New(errs[0].String()))
	}
	return invalid(MsgInvalidBody, nil)
}
