// Package telemetry ingests signed envelopes emitted by adapters. Each
// envelope carries one payload (trace, audit, cost, metrics, or violations)
// hashed and signed under the adapter's registered telemetry key; the
// verifier decides, per tenant enforcement mode, whether a failure rejects
// the envelope or just records a violation.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// EnvelopeVersion is the only wire version accepted.
const EnvelopeVersion = "v1"

// Payload types an envelope may carry.
const (
	PayloadTrace      = "trace"
	PayloadAudit      = "audit"
	PayloadCost       = "cost"
	PayloadMetrics    = "metrics"
	PayloadViolations = "violations"
)

// Envelope is the signed wire form.
type Envelope struct {
	EnvelopeVersion string          `json:"envelope_version"`
	AdapterID       string          `json:"adapter_id"`
	AdapterVersion  string          `json:"adapter_version"`
	IssuedAt        string          `json:"issued_at"`
	ExecutionID     string          `json:"execution_id"`
	TraceID         string          `json:"trace_id"`
	PayloadType     string          `json:"payload_type"`
	Payload         json.RawMessage `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
	Signature       string          `json:"signature"`
}

// signingInput is the envelope minus payload; its canonical JSON is what
// the adapter signs.
type signingInput struct {
	EnvelopeVersion string `json:"envelope_version"`
	AdapterID       string `json:"adapter_id"`
	AdapterVersion  string `json:"adapter_version"`
	IssuedAt        string `json:"issued_at"`
	ExecutionID     string `json:"execution_id"`
	TraceID         string `json:"trace_id"`
	PayloadType     string `json:"payload_type"`
	PayloadHash     string `json:"payload_hash"`
}

// SigningInput returns the canonical bytes the signature covers.
func (e *Envelope) SigningInput() ([]byte, error) {
	return canonicalize.JCS(signingInput{
		EnvelopeVersion: e.EnvelopeVersion,
		AdapterID:       e.AdapterID,
		AdapterVersion:  e.AdapterVersion,
		IssuedAt:        e.IssuedAt,
		ExecutionID:     e.ExecutionID,
		TraceID:         e.TraceID,
		PayloadType:     e.PayloadType,
		PayloadHash:     e.PayloadHash,
	})
}

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["envelope_version", "adapter_id", "issued_at", "execution_id", "payload_type", "payload", "payload_hash", "signature"],
	"properties": {
		"envelope_version": {"const": "v1"},
		"adapter_id": {"type": "string", "minLength": 1},
		"adapter_version": {"type": "string"},
		"issued_at": {"type": "string", "format": "date-time"},
		"execution_id": {"type": "string", "minLength": 1},
		"trace_id": {"type": "string"},
		"payload_type": {"enum": ["trace", "audit", "cost", "metrics", "violations"]},
		"payload": {},
		"payload_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
		"signature": {"type": "string", "minLength": 1}
	}
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("telemetry: add envelope schema: %v", err))
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("telemetry: compile envelope schema: %v", err))
	}
	return schema
}()

// ParseEnvelope validates raw bytes against the wire schema and decodes.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "envelope is not JSON", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "envelope failed schema validation", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "envelope decode", err)
	}
	return &e, nil
}
