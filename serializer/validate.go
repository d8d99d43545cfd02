package serializer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/store"
)

// pending is an inline relation value that Bind must create before the
// record that references it.
type pending struct {
	entity *descriptor.Entity
	rec    store.Record
}

type validation struct {
	s    *Serializer
	ctx  context.Context
	st   store.Store
	errs Errors
	err  error // first infrastructure failure
}

func (v *validation) fail(path, code, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validate checks msg against the request message of e for mode and
// returns the normalized values of every field it carries. For Partial,
// mask lists the fields to validate; other fields in msg are ignored.
//
// All field failures are collected and returned together as Errors. Any
// other error is a store failure encountered while resolving relations.
func (s *Serializer) Validate(ctx context.Context, st store.Store, e *descriptor.Entity, msg map[string]any, mode Mode, mask []string) (store.Record, error) {
	v := &validation{s: s, ctx: ctx, st: st}
	out := v.message(e, msg, mode, mask, "", 0)
	if v.err != nil {
		return nil, v.err
	}
	if len(v.errs) > 0 {
		return nil, v.errs
	}
	return out, nil
}

func requestRole(mode Mode) schema.Role {
	if mode == Create {
		return schema.RoleCreateRequest
	}
	return schema.RoleUpdateRequest
}

func (v *validation) message(e *descriptor.Entity, msg map[string]any, mode Mode, mask []string, prefix string, depth int) store.Record {
	fields, err := schema.Fields(e, requestRole(mode))
	if err != nil {
		v.err = err
		return nil
	}
	byName := make(map[string]*descriptor.Field, len(fields))
	for i := range fields {
		byName[fields[i].Name] = &fields[i]
	}

	var selected map[string]bool
	if mode == Partial {
		selected = make(map[string]bool, len(mask))
		for i, name := range mask {
			path := fmt.Sprintf("%s[%d]", joinPath(prefix, schema.PartialFieldsName), i)
			if f, ok := byName[name]; ok && !f.PrimaryKey {
				selected[name] = true
				continue
			}
			if f, ok := e.Field(name); ok && (f.ReadOnly || f.PrimaryKey) {
				v.fail(path, CodeReadOnly, "field %q is read-only", name)
				continue
			}
			v.fail(path, CodeUnknownField, "unknown field %q", name)
		}
	}

	out := make(store.Record, len(fields))
	for i := range fields {
		f := &fields[i]
		if mode == Partial && !selected[f.Name] {
			continue
		}
		// The update locator is checked by the caller against the target key.
		if mode != Create && f.PrimaryKey {
			continue
		}
		path := joinPath(prefix, f.Name)
		raw, present := msg[f.Name]
		if !present || raw == nil {
			clearable := f.Nullable || f.IsRepeated() || f.Cardinality == descriptor.Optional
			switch {
			case f.Required():
				v.fail(path, CodeRequired, "this field is required")
			case present && !clearable:
				v.fail(path, CodeNull, "this field may not be null")
			case mode == Partial && !clearable:
				// A masked field must carry a value unless it may be cleared.
				v.fail(path, CodeRequired, "this field is required")
			case present || mode == Partial:
				out[f.Name] = nil
			}
			continue
		}
		if val, ok := v.value(e, f, raw, path, depth); ok {
			out[f.Name] = val
		}
	}
	return out
}

func (v *validation) value(e *descriptor.Entity, f *descriptor.Field, raw any, path string, depth int) (any, bool) {
	if !f.IsRepeated() {
		return v.single(e, f, raw, path, depth)
	}
	list, ok := raw.([]any)
	if !ok {
		v.fail(path, CodeInvalid, "expected a list, got %T", raw)
		return nil, false
	}
	out := make([]any, 0, len(list))
	good := true
	for i, item := range list {
		val, ok := v.single(e, f, item, fmt.Sprintf("%s[%d]", path, i), depth)
		good = good && ok
		out = append(out, val)
	}
	return out, good
}

func (v *validation) single(e *descriptor.Entity, f *descriptor.Field, raw any, path string, depth int) (any, bool) {
	if f.Relation != nil {
		return v.relation(f, raw, path, depth)
	}
	if len(f.Choices) > 0 {
		return v.choice(f, raw, path)
	}
	if f.Type == descriptor.Message {
		target, err := v.s.target(f)
		if err != nil {
			v.err = err
			return nil, false
		}
		m, ok := raw.(map[string]any)
		if !ok {
			v.fail(path, CodeInvalid, "expected an object, got %T", raw)
			return nil, false
		}
		if depth+1 > v.s.maxDepth {
			v.fail(path, CodeMaxDepth, "nesting exceeds %d levels", v.s.maxDepth)
			return nil, false
		}
		n := len(v.errs)
		rec := v.message(target, m, Create, nil, path, depth+1)
		return map[string]any(rec), len(v.errs) == n
	}
	val, err := Normalize(f.Type, raw)
	if err != nil {
		code := CodeInvalid
		if errors.Is(err, errRange) {
			code = CodeOutOfRange
		}
		v.fail(path, code, "%v", err)
		return nil, false
	}
	if f.Validate != "" && !v.tags(f, val, path) {
		return nil, false
	}
	return val, true
}

func (v *validation) tags(f *descriptor.Field, val any, path string) bool {
	err := v.s.validate.Var(val, f.Validate)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.fail(path, CodeInvalid, "%v", err)
		return false
	}
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed the %q rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed the %q rule (%s)", fe.Tag(), fe.Param())
		}
		v.fail(path, fe.Tag(), "%s", msg)
	}
	return false
}

// choice accepts the wire name, the label or the enum number.
func (v *validation) choice(f *descriptor.Field, raw any, path string) (any, bool) {
	offset := 0
	if f.PermitsUnset() {
		offset = 1
	}
	switch x := raw.(type) {
	case string:
		if f.PermitsUnset() && (x == "" || x == schema.SentinelValue) {
			return nil, true
		}
		if c, ok := f.ChoiceFor(x); ok {
			return c.Wire, true
		}
	default:
		if n, ok := asInt(raw); ok {
			if n == 0 && offset == 1 {
				return nil, true
			}
			if i := int(n) - offset; i >= 0 && i < len(f.Choices) {
				return f.Choices[i].Wire, true
			}
		}
	}
	v.fail(path, CodeInvalidChoice, "%v is not a valid choice", raw)
	return nil, false
}

func (v *validation) relation(f *descriptor.Field, raw any, path string, depth int) (any, bool) {
	target, err := v.s.target(f)
	if err != nil {
		v.err = err
		return nil, false
	}
	if m, ok := raw.(map[string]any); ok && f.Relation.Inline {
		if depth+1 > v.s.maxDepth {
			v.fail(path, CodeMaxDepth, "nesting exceeds %d levels", v.s.maxDepth)
			return nil, false
		}
		n := len(v.errs)
		rec := v.message(target, m, Create, nil, path, depth+1)
		if len(v.errs) > n {
			return nil, false
		}
		return &pending{entity: target, rec: rec}, true
	}

	pkField := target.PrimaryKey()
	pk, err := Normalize(pkField.Type, raw)
	if err != nil {
		v.fail(path, CodeInvalid, "invalid %s key: %v", target.Name, err)
		return nil, false
	}
	if v.st == nil {
		return pk, true
	}
	if _, err := v.st.Get(v.ctx, target, pk); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v.fail(path, CodeDoesNotExist, "%s %v does not exist", target.Name, pk)
			return nil, false
		}
		if v.err == nil {
			v.err = err
		}
		return nil, false
	}
	return pk, true
}

var errRange = errors.New("value out of range")

// Normalize converts a decoded wire value to the record representation of
// type t. It accepts the shapes produced by both codecs: int64, uint64,
// float64 and json.Number for numbers, RFC 3339 strings or
// {seconds, nanos} objects for timestamps, and base64 strings for bytes.
func Normalize(t descriptor.SemanticType, raw any) (any, error) {
	switch t {
	case descriptor.Int32, descriptor.Int64:
		n, ok := asInt(raw)
		if !ok {
			if u, isU := raw.(uint64); isU && u > math.MaxInt64 {
				return nil, fmt.Errorf("%w: %v", errRange, raw)
			}
			return nil, fmt.Errorf("expected an integer, got %s", describe(raw))
		}
		if t == descriptor.Int32 && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("%w: %d does not fit in int32", errRange, n)
		}
		return n, nil
	case descriptor.Uint32, descriptor.Uint64:
		if num, ok := raw.(json.Number); ok {
			if u, err := strconv.ParseUint(num.String(), 10, 64); err == nil {
				raw = u
			}
		}
		if u, ok := raw.(uint64); ok {
			if t == descriptor.Uint32 && u > math.MaxUint32 {
				return nil, fmt.Errorf("%w: %d does not fit in uint32", errRange, u)
			}
			return u, nil
		}
		n, ok := asInt(raw)
		if !ok {
			return nil, fmt.Errorf("expected an integer, got %s", describe(raw))
		}
		if n < 0 || (t == descriptor.Uint32 && n > math.MaxUint32) {
			return nil, fmt.Errorf("%w: %d", errRange, n)
		}
		return uint64(n), nil
	case descriptor.Float, descriptor.Double:
		f, ok := asFloat(raw)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %s", describe(raw))
		}
		if t == descriptor.Float && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %g does not fit in float", errRange, f)
		}
		return f, nil
	case descriptor.Bool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a boolean, got %s", describe(raw))
		}
		return b, nil
	case descriptor.String, descriptor.Enum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %s", describe(raw))
		}
		return s, nil
	case descriptor.Bytes:
		switch x := raw.(type) {
		case []byte:
			return x, nil
		case string:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, fmt.Errorf("expected base64 data: %v", err)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected bytes, got %s", describe(raw))
	case descriptor.UUID:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a uuid string, got %s", describe(raw))
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q", s)
		}
		return id.String(), nil
	case descriptor.Timestamp:
		return timestamp(raw)
	case descriptor.JSON:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected an object, got %s", describe(raw))
		}
		return normalizeJSON(m), nil
	}
	return nil, fmt.Errorf("unsupported field type %q", t)
}

func timestamp(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected an RFC 3339 timestamp: %v", err)
		}
		return t.UTC(), nil
	case map[string]any:
		sec, ok := asInt(x["seconds"])
		if !ok && x["seconds"] != nil {
			return time.Time{}, errors.New("timestamp seconds must be an integer")
		}
		var nanos int64
		if x["nanos"] != nil {
			n, ok := asInt(x["nanos"])
			if !ok || n < 0 || n >= 1e9 {
				return time.Time{}, fmt.Errorf("%w: timestamp nanos", errRange)
			}
			nanos = n
		}
		return time.Unix(sec, nanos).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected a timestamp, got %s", describe(raw))
}

// normalizeJSON converts json.Number leaves so that free-form values
// compare and encode the same regardless of the inbound codec.
func normalizeJSON(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, x := range v {
		out[k] = normalizeAny(x)
	}
	return out
}

func normalizeAny(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return normalizeJSON(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeAny(x[i])
		}
		return out
	}
	return v
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float32:
		return asInt(float64(x))
	}
	return store.AsInt64(v)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return store.AsFloat(v)
}

func describe(v any) string {
	switch x := v.(type) {
	case string:
		return "string " + strconv.Quote(x)
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}
