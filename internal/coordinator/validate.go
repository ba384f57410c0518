package coordinator

import (
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
)

// Validator gates writes. Values must be well-formed JSON, fit inside the
// size limit, and when a schema is configured, validate against it.
type Validator struct {
	schema   *gojsonschema.Schema
	maxBytes int64
}

// NewValidator compiles the configured schema, if any.
func NewValidator(cfg config.CoordinatorConfig) (*Validator, error) {
	v := &Validator{maxBytes: cfg.MaxValueBytes}

	if cfg.SchemaFile != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + cfg.SchemaFile))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "compile value schema", err)
		}
		v.schema = schema
	}

	return v, nil
}

// Validate checks one value. Size violations get the quota code so callers
// can distinguish them from shape problems.
func (v *Validator) Validate(value json.RawMessage) error {
	if v.maxBytes > 0 && int64(len(value)) > v.maxBytes {
		return errors.Newf(errors.ErrCodeQuotaExceeded, "value size %d exceeds limit %d", len(value), v.maxBytes)
	}

	if !json.Valid(value) {
		return errors.New(errors.ErrCodeValidationFailed, "value is not valid JSON")
	}

	if v.schema != nil {
		result, err := v.schema.Validate(gojsonschema.NewBytesLoader(value))
		if err != nil {
			return errors.Wrap(errors.ErrCodeValidationFailed, "schema validation", err)
		}
		if !result.Valid() {
			first := result.Errors()[0]
			return errors.Newf(errors.ErrCodeValidationFailed, "schema violation: %s", first.String())
		}
	}

	return nil
}
