package usecase

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

//go:embed schemas/*.json
var payloadSchemaFS embed.FS

// PayloadValidator checks command payloads against the JSON schema registered
// for their command type. Schemas are compiled once at construction.
type PayloadValidator struct {
	schemas map[domain.CommandType]*santhosh.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[domain.CommandType]*santhosh.Schema, len(domain.CommandTypes))}
	for _, t := range domain.CommandTypes {
		raw, err := payloadSchemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", t, err)
		}
		sch, err := compileSchema(string(t), raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t, err)
		}
		v.schemas[t] = sch
	}
	return v, nil
}

// Supports reports whether commandType has a registered schema.
func (v *PayloadValidator) Supports(commandType domain.CommandType) bool {
	_, ok := v.schemas[commandType]
	return ok
}

func (v *PayloadValidator) Validate(commandType domain.CommandType, payload json.RawMessage) error {
	sch, ok := v.schemas[commandType]
	if !ok {
		return domain.ErrUnsupportedCommandType
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &domain.PayloadError{CommandType: commandType, Errors: []string{"payload must be a json object"}}
	}
	if err := sch.Validate(doc); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &domain.PayloadError{CommandType: commandType, Errors: collectValidationErrors(ve)}
		}
		return &domain.PayloadError{CommandType: commandType, Errors: []string{err.Error()}}
	}
	return nil
}

func compileSchema(name string, schemaJSON []byte) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	compiler.AssertFormat = true
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		msgs = append(msgs, loc+": "+ve.Message)
	}
	return msgs
}
