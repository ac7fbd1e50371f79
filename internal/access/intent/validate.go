package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	apperrors "access-sync/internal/common/errors"
)

// Raw payload shape is checked against a JSON schema before the typed parse.
// additionalProperties stays true on both schemas: unknown fields are dropped
// for forward compatibility, never rejected. Unknown enum values ARE rejected;
// for revoke reasons that is a hard requirement (fail closed).
var (
	grantSchema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"subscriptionId": map[string]interface{}{"type": "string"},
			"channelId":      map[string]interface{}{"type": "string"},
			"customerId":     map[string]interface{}{"type": "string"},
			"provider":       map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{"subscriptionId", "channelId", "customerId", "provider"},
		"additionalProperties": true,
	}

	revokeSchema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"subscriptionId": map[string]interface{}{"type": "string"},
			"reason":         map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{"subscriptionId", "reason"},
		"additionalProperties": true,
	}
)

// ValidateGrant parses and validates an untrusted grant payload.
// Pure: no side effects, safe to call before any enqueue.
func ValidateGrant(raw []byte) (GrantAccessIntent, error) {
	var out GrantAccessIntent

	doc, err := validateShape(raw, grantSchema)
	if err != nil {
		return out, err
	}

	// Typed decode drops anything the struct doesn't know about.
	data, _ := json.Marshal(doc)
	if err := json.Unmarshal(data, &out); err != nil {
		return out, apperrors.NewValidationError(fmt.Sprintf("decode grant intent: %v", err))
	}

	var problems []string
	if !uuidShaped(out.SubscriptionID) {
		problems = append(problems, "subscriptionId must be a UUID")
	}
	if !uuidShaped(out.ChannelID) {
		problems = append(problems, "channelId must be a UUID")
	}
	if !uuidShaped(out.CustomerID) {
		problems = append(problems, "customerId must be a UUID")
	}
	if !validProvider(string(out.Provider)) {
		problems = append(problems, fmt.Sprintf("unknown provider %q", out.Provider))
	}
	if len(problems) > 0 {
		return GrantAccessIntent{}, apperrors.NewValidationError(strings.Join(problems, "; "))
	}

	return out, nil
}

// ValidateRevoke parses and validates an untrusted revoke payload.
// An unrecognized reason is a hard failure: it must not silently revoke.
func ValidateRevoke(raw []byte) (RevokeAccessIntent, error) {
	var out RevokeAccessIntent

	doc, err := validateShape(raw, revokeSchema)
	if err != nil {
		return out, err
	}

	data, _ := json.Marshal(doc)
	if err := json.Unmarshal(data, &out); err != nil {
		return out, apperrors.NewValidationError(fmt.Sprintf("decode revoke intent: %v", err))
	}

	var problems []string
	if !uuidShaped(out.SubscriptionID) {
		problems = append(problems, "subscriptionId must be a UUID")
	}
	if !validReason(string(out.Reason)) {
		problems = append(problems, fmt.Sprintf("unknown revoke reason %q", out.Reason))
	}
	if len(problems) > 0 {
		return RevokeAccessIntent{}, apperrors.NewValidationError(strings.Join(problems, "; "))
	}

	return out, nil
}

func validateShape(raw []byte, schema map[string]interface{}) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("payload is not a JSON object: %v", err))
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("schema validation error: %v", err))
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return nil, apperrors.NewValidationError(strings.Join(errs, "; "))
	}

	return doc, nil
}

func uuidShaped(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
