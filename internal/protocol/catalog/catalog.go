package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"
)

//go:embed protocol.json
var defaultDocument []byte

const (
	FieldMessageType = "message_type"
	FieldTimestamp   = "timestamp"
	FieldMessageID   = "message_id"
)

const (
	DefaultTimestampToleranceMS = 5000
	defaultMaxMessageSize       = 1024 * 1024

	schemaBaseURL = "https://sensorhub.local/catalog/"
)

var (
	ErrCatalogLoad        = errors.New("catalog: load failed")
	ErrUnknownMessageType = errors.New("catalog: unknown message type")
	ErrSchemaViolation    = errors.New("catalog: schema violation")
	ErrMissingField       = errors.New("catalog: missing field")
)

type Direction string

const (
	PCToDevice    Direction = "pc_to_device"
	DeviceToPC    Direction = "device_to_pc"
	Bidirectional Direction = "bidirectional"
)

func (d Direction) valid() bool {
	switch d {
	case PCToDevice, DeviceToPC, Bidirectional:
		return true
	default:
		return false
	}
}

// MessageDefinition is immutable after load. Schema is shared with the
// catalog and must not be mutated by callers.
type MessageDefinition struct {
	Name           string
	Category       string
	Direction      Direction
	Description    string
	RequiredFields []string
	OptionalFields []string
	Schema         map[string]any
}

type Info struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Description  string `json:"description"`
	MessageTypes int    `json:"message_types"`
}

type TransportConfig struct {
	Host              string
	Port              int
	MaxMessageSize    uint32
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

type ValidationConfig struct {
	TimestampToleranceMS int64
}

// ValidationError describes why a message was rejected. Kind is one of the
// package sentinels and is reachable through errors.Is.
type ValidationError struct {
	MessageType string
	Field       string
	Reason      string
	Kind        error
}

func (e *ValidationError) Error() string {
	switch {
	case e.MessageType == "" && e.Field == "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("%v: message_type=%s: %s", e.Kind, e.MessageType, e.Reason)
	default:
		return fmt.Sprintf("%v: message_type=%s field=%s: %s", e.Kind, e.MessageType, e.Field, e.Reason)
	}
}

func (e *ValidationError) Unwrap() error { return e.Kind }

type document struct {
	Protocol struct {
		Name        string `json:"name"`
		Version     string `json:"version"`
		Description string `json:"description"`
	} `json:"protocol"`
	Transport struct {
		Host           string `json:"host"`
		Port           int    `json:"port"`
		MessageFraming struct {
			MaxMessageSize uint32 `json:"max_message_size"`
		} `json:"message_framing"`
		Connection struct {
			HeartbeatIntervalS float64 `json:"heartbeat_interval_s"`
			TimeoutS           float64 `json:"timeout_s"`
		} `json:"connection"`
	} `json:"transport"`
	Validation struct {
		TimestampToleranceMS *int64 `json:"timestamp_tolerance_ms"`
	} `json:"validation"`
	CommonFields map[string]commonField                  `json:"common_fields"`
	MessageTypes map[string]map[string]definitionDocument `json:"message_types"`
}

type commonField struct {
	Type        string `json:"type"`
	Format      string `json:"format"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

type definitionDocument struct {
	Direction      Direction      `json:"direction"`
	Description    string         `json:"description"`
	RequiredFields []string       `json:"required_fields"`
	OptionalFields []string       `json:"optional_fields"`
	Schema         map[string]any `json:"schema"`
}

// Catalog is the loaded set of message definitions with compiled validators.
// Safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	path       string
	raw        []byte
	doc        document
	defs       map[string]MessageDefinition
	validators map[string]*jsonschema.Schema

	now func() time.Time
}

// Load reads and compiles the catalog document at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCatalogLoad, path, err)
	}
	c, err := LoadBytes(raw)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// LoadDefault returns the catalog embedded in the binary.
func LoadDefault() (*Catalog, error) {
	return LoadBytes(defaultDocument)
}

// DefaultDocument returns a copy of the embedded catalog source.
func DefaultDocument() []byte {
	return append([]byte(nil), defaultDocument...)
}

func LoadBytes(raw []byte) (*Catalog, error) {
	c := &Catalog{now: time.Now}
	if err := c.install(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the source file. Catalogs built from bytes reload from the
// same bytes. On failure the previous definitions stay in place.
func (c *Catalog) Reload() error {
	c.mu.RLock()
	path, raw := c.path, c.raw
	c.mu.RUnlock()
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrCatalogLoad, path, err)
		}
	}
	if err := c.install(raw); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("catalog: reloaded")
	return nil
}

func (c *Catalog) install(raw []byte) error {
	var doc document
	// comments and trailing commas are allowed in catalog files
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrCatalogLoad, err)
	}
	if len(doc.MessageTypes) == 0 {
		return fmt.Errorf("%w: no message_types defined", ErrCatalogLoad)
	}

	defs := make(map[string]MessageDefinition)
	for category, entries := range doc.MessageTypes {
		for name, entry := range entries {
			if name == "" {
				return fmt.Errorf("%w: empty message name in category %q", ErrCatalogLoad, category)
			}
			if prev, dup := defs[name]; dup {
				return fmt.Errorf("%w: message %q defined in %q and %q", ErrCatalogLoad, name, prev.Category, category)
			}
			direction := entry.Direction
			if direction == "" {
				direction = Bidirectional
			}
			if !direction.valid() {
				return fmt.Errorf("%w: message %q has invalid direction %q", ErrCatalogLoad, name, entry.Direction)
			}
			schema := entry.Schema
			if schema == nil {
				schema = map[string]any{}
			}
			defs[name] = MessageDefinition{
				Name:           name,
				Category:       category,
				Direction:      direction,
				Description:    entry.Description,
				RequiredFields: append([]string(nil), entry.RequiredFields...),
				OptionalFields: append([]string(nil), entry.OptionalFields...),
				Schema:         schema,
			}
		}
	}

	validators := make(map[string]*jsonschema.Schema, len(defs))
	for name, def := range defs {
		compiled, err := compile(name, mergeCommonFields(def.Schema, doc.CommonFields))
		if err != nil {
			return fmt.Errorf("%w: compile %q: %w", ErrCatalogLoad, name, err)
		}
		validators[name] = compiled
	}

	c.mu.Lock()
	c.raw = raw
	c.doc = doc
	c.defs = defs
	c.validators = validators
	c.mu.Unlock()

	info := c.Info()
	log.Info().
		Str("protocol", info.Name).
		Str("version", info.Version).
		Int("message_types", info.MessageTypes).
		Msg("catalog: loaded")
	return nil
}

// mergeCommonFields returns a copy of schema with the catalog-wide fields
// added to properties, and to required when marked so.
func mergeCommonFields(schema map[string]any, common map[string]commonField) map[string]any {
	out := deepCopy(schema).(map[string]any)
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []any
	if existing, ok := out["required"].([]any); ok {
		required = existing
	}

	names := make([]string, 0, len(common))
	for name := range common {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := common[name]
		if _, ok := props[name]; !ok {
			kind := field.Type
			if kind == "" {
				kind = "string"
			}
			prop := map[string]any{"type": kind, "description": field.Description}
			if field.Format != "" {
				prop["format"] = field.Format
			}
			props[name] = prop
		}
		if field.Required && !containsAny(required, name) {
			required = append(required, name)
		}
	}
	out["properties"] = props
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	url := schemaBaseURL + name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Check validates msg and returns the typed rejection reason, or nil.
func (c *Catalog) Check(msg Message) error {
	if msg == nil {
		return &ValidationError{Reason: "message must be an object", Kind: ErrSchemaViolation}
	}
	msgType, present := msg[FieldMessageType]
	if !present {
		return &ValidationError{Field: FieldMessageType, Reason: "message_type is required", Kind: ErrMissingField}
	}
	name, ok := msgType.(string)
	if !ok || name == "" {
		return &ValidationError{Field: FieldMessageType, Reason: "message_type must be a non-empty string", Kind: ErrMissingField}
	}

	c.mu.RLock()
	def, known := c.defs[name]
	validator := c.validators[name]
	tolerance := c.toleranceLocked()
	c.mu.RUnlock()
	if !known {
		return &ValidationError{MessageType: name, Reason: "not defined in catalog", Kind: ErrUnknownMessageType}
	}

	for _, field := range def.RequiredFields {
		if _, ok := msg[field]; !ok {
			return &ValidationError{MessageType: name, Field: field, Reason: "required field missing", Kind: ErrMissingField}
		}
	}

	instance, err := normalize(msg)
	if err != nil {
		return &ValidationError{MessageType: name, Reason: err.Error(), Kind: ErrSchemaViolation}
	}
	if err := validator.Validate(instance); err != nil {
		field, reason := describe(err)
		return &ValidationError{MessageType: name, Field: field, Reason: reason, Kind: ErrSchemaViolation}
	}

	return c.checkTimestamp(name, msg, tolerance)
}

// Validate reports whether msg is acceptable. In strict mode the rejection is
// returned as an error; otherwise it is logged and Validate returns false.
func (c *Catalog) Validate(msg Message, strict bool) (bool, error) {
	err := c.Check(msg)
	if err == nil {
		return true, nil
	}
	if strict {
		return false, err
	}
	log.Warn().Err(err).Str("message_type", msg.Type()).Msg("catalog: message validation failed")
	return false, nil
}

// Create builds a message of msgType stamped with the current time and
// validates it strictly. Fields override the generated timestamp.
func (c *Catalog) Create(msgType string, fields map[string]any) (Message, error) {
	msg := Message{
		FieldMessageType: msgType,
		FieldTimestamp:   c.clock()().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		msg[k] = v
	}
	// message_type is not overridable
	msg[FieldMessageType] = msgType
	if _, err := c.Validate(msg, true); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrSchemaViolation, msgType, err)
	}
	return msg, nil
}

func (c *Catalog) checkTimestamp(name string, msg Message, toleranceMS int64) error {
	raw, present := msg[FieldTimestamp]
	if !present || raw == nil {
		return nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return &ValidationError{MessageType: name, Field: FieldTimestamp, Reason: "invalid timestamp format: " + err.Error(), Kind: ErrSchemaViolation}
	}
	drift := c.clock()().Sub(ts)
	if math.Abs(float64(drift.Milliseconds())) > float64(toleranceMS) {
		log.Warn().
			Str("message_type", name).
			Int64("drift_ms", drift.Milliseconds()).
			Int64("tolerance_ms", toleranceMS).
			Msg("catalog: timestamp tolerance exceeded")
	}
	return nil
}

func (c *Catalog) toleranceLocked() int64 {
	if c.doc.Validation.TimestampToleranceMS == nil {
		return DefaultTimestampToleranceMS
	}
	return *c.doc.Validation.TimestampToleranceMS
}

func (c *Catalog) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := c.doc.Protocol.Name
	if name == "" {
		name = "Unknown"
	}
	version := c.doc.Protocol.Version
	if version == "" {
		version = "Unknown"
	}
	return Info{
		Name:         name,
		Version:      version,
		Description:  c.doc.Protocol.Description,
		MessageTypes: len(c.defs),
	}
}

// MessageTypes returns the defined type names in sorted order.
func (c *Catalog) MessageTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Definition(name string) (MessageDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// Transport returns the transport section with zero values left in place;
// consumers overlay their own defaults.
func (c *Catalog) Transport() TransportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.doc.Transport
	return TransportConfig{
		Host:              t.Host,
		Port:              t.Port,
		MaxMessageSize:    t.MessageFraming.MaxMessageSize,
		HeartbeatInterval: seconds(t.Connection.HeartbeatIntervalS),
		ConnectionTimeout: seconds(t.Connection.TimeoutS),
	}
}

func (c *Catalog) ValidationConfig() ValidationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ValidationConfig{TimestampToleranceMS: c.toleranceLocked()}
}

// SetClock replaces the wall clock used for timestamps and drift checks.
func (c *Catalog) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Catalog) clock() func() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// normalize converts msg into the plain JSON value shapes the validator
// understands ([]string becomes []any, ints become float64).
func normalize(msg Message) (any, error) {
	raw, err := json.Marshal(map[string]any(msg))
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// describe extracts the most specific location and message from a validator
// error.
func describe(err error) (string, string) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return "", err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	return field, leaf.Message
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

func containsAny(list []any, s string) bool {
	for _, item := range list {
		if v, ok := item.(string); ok && v == s {
			return true
		}
	}
	return false
}
