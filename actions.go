package modelrpc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/serializer"
	"github.com/broady/modelrpc/store"
)

// modelRequest is the decoded request of a model method.
type modelRequest struct {
	msg   map[string]any
	query store.Query
	page  PageRequest

	// partial update only
	data map[string]any
	mask []string
}

// modelHandler serves one default method of a model service.
type modelHandler struct {
	svc       *Service
	entity    *descriptor.Entity
	name      string
	streaming schema.Streaming
}

func (h *modelHandler) decode(rc *RequestContext, in *inbound) (any, error) {
	var msg map[string]any
	if err := in.first(&msg); err != nil {
		return nil, err
	}
	if msg == nil {
		msg = map[string]any{}
	}
	rc.setMessage(msg)
	mr := &modelRequest{msg: msg}
	if h.name == schema.MethodPartialUpdate {
		data, mask, err := partialForm(h.entity, rc.Metadata(), msg)
		if err != nil {
			return nil, err
		}
		mr.data, mr.mask = data, mask
		rc.mu.Lock()
		rc.partial = mask
		rc.mu.Unlock()
	}
	return mr, nil
}

// partialForm accepts both partial update shapes:
//
//	{"_partial_update_fields": ["title"], "data": {"id": 1, "title": "x"}}
//	{"id": 1, "title": "x"}  (mask from "_partial_update_fields" or metadata)
//
// Without any mask, the fields present in the data form the mask.
func partialForm(e *descriptor.Entity, md Metadata, msg map[string]any) (map[string]any, []string, error) {
	rawMask, hasMask := msg[schema.PartialFieldsName]
	var data map[string]any
	if d, ok := msg[schema.PartialDataName].(map[string]any); ok && hasMask {
		data = d
	} else {
		data = make(map[string]any, len(msg))
		for k, v := range msg {
			if k != schema.PartialFieldsName {
				data[k] = v
			}
		}
	}

	var mask []string
	switch {
	case hasMask && rawMask != nil:
		list, ok := rawMask.([]any)
		if !ok {
			return nil, nil, ValidationFailed(Violation{Path: schema.PartialFieldsName, Code: serializer.CodeInvalid, Message: "expected a list of field names"})
		}
		var violations []Violation
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				violations = append(violations, Violation{
					Path:    fmt.Sprintf("%s[%d]", schema.PartialFieldsName, i),
					Code:    serializer.CodeInvalid,
					Message: "expected a field name",
				})
				continue
			}
			mask = append(mask, s)
		}
		if len(violations) > 0 {
			return nil, nil, ValidationFailed(violations...)
		}
	case len(md.Values(MetaPartialUpdateFields)) > 0:
		mask = ParseOrdering(md.Values(MetaPartialUpdateFields))
	default:
		pk := e.PrimaryKey().Name
		for k := range data {
			if _, ok := e.Field(k); ok && k != pk {
				mask = append(mask, k)
			}
		}
		sort.Strings(mask)
	}
	return data, mask, nil
}

func (h *modelHandler) filter(rc *RequestContext, req any) (any, error) {
	mr := req.(*modelRequest)
	if h.name != schema.MethodList {
		return mr, nil
	}
	q := store.Query{Entity: h.entity}
	for _, b := range h.svc.filterBackends() {
		var err error
		if q, err = b.FilterQuery(rc, q, h.svc); err != nil {
			var se *Error
			if errors.As(err, &se) {
				return nil, se
			}
			return nil, Errorf(CodeInvalidArgument, "%v", err)
		}
	}
	q.OrderBy = Ordering(h.entity, ParseOrdering(rc.Metadata().Values(MetaOrdering)))
	mr.query = q

	page, err := ParsePageRequest(rc.Metadata())
	if err != nil {
		return nil, err
	}
	mr.page = page
	return mr, nil
}

func (h *modelHandler) execute(rc *RequestContext, req any, _ *inbound, out *outbound) (any, error) {
	mr := req.(*modelRequest)
	switch h.name {
	case schema.MethodList:
		if h.streaming.ServerStreams() {
			return nil, h.stream(rc, mr, out)
		}
		return h.list(rc, mr)
	case schema.MethodRetrieve:
		return h.retrieve(rc, mr)
	case schema.MethodCreate:
		return h.create(rc, mr)
	case schema.MethodUpdate:
		return h.update(rc, mr)
	case schema.MethodPartialUpdate:
		return h.partialUpdate(rc, mr)
	case schema.MethodDestroy:
		return h.destroy(rc, mr)
	}
	return nil, Errorf(CodeUnimplemented, "unknown model method %s", h.name)
}

func (h *modelHandler) ser() *serializer.Serializer { return h.svc.app.serializer }

func (h *modelHandler) list(rc *RequestContext, mr *modelRequest) (any, error) {
	st := rc.Store()
	size := h.svc.app.pageSize(mr.page.PageSize)
	page, err := h.svc.pager().Paginate(rc, st, mr.query, mr.page, size)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(page.Results))
	for i, rec := range page.Results {
		if results[i], err = h.ser().Project(rc, st, h.entity, rec, schema.RoleListResponse); err != nil {
			return nil, err
		}
	}
	res := map[string]any{
		schema.ResultsName:  results,
		schema.NextName:     page.Next,
		schema.PreviousName: page.Previous,
	}
	if page.Count != nil {
		res[schema.CountName] = int64(*page.Count)
	}
	return res, nil
}

// stream sends every matching record in backend order, reading the store
// one page-size window at a time.
func (h *modelHandler) stream(rc *RequestContext, mr *modelRequest, out *outbound) error {
	st := rc.Store()
	size := h.svc.app.pageSize(mr.page.PageSize)
	q := mr.query
	for offset := 0; ; offset += size {
		if size > 0 {
			q.Offset, q.Limit = offset, size
		}
		recs, err := st.List(rc, q)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			m, err := h.ser().Project(rc, st, h.entity, rec, schema.RoleListResponse)
			if err != nil {
				return err
			}
			if err := out.send(m); err != nil {
				return err
			}
		}
		if size <= 0 || len(recs) < size {
			return nil
		}
	}
}

// lookupKey reads and normalizes the primary key of msg.
func (h *modelHandler) lookupKey(msg map[string]any) (any, error) {
	pk := h.entity.PrimaryKey()
	raw, ok := msg[pk.Name]
	if !ok || raw == nil {
		return nil, ValidationFailed(Violation{Path: pk.Name, Code: serializer.CodeRequired, Message: "this field is required"})
	}
	v, err := serializer.Normalize(pk.Type, raw)
	if err != nil {
		return nil, ValidationFailed(Violation{Path: pk.Name, Code: serializer.CodeInvalid, Message: err.Error()})
	}
	return v, nil
}

func (h *modelHandler) get(rc *RequestContext, msg map[string]any) (any, store.Record, error) {
	pk, err := h.lookupKey(msg)
	if err != nil {
		return nil, nil, err
	}
	rec, err := rc.Store().Get(rc, h.entity, pk)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, Errorf(CodeNotFound, "%s %v not found", h.entity.Name, pk)
	}
	return pk, rec, err
}

func (h *modelHandler) respond(rc *RequestContext, rec store.Record) (any, error) {
	return h.ser().Project(rc, rc.Store(), h.entity, rec, schema.RoleRetrieveResponse)
}

func (h *modelHandler) retrieve(rc *RequestContext, mr *modelRequest) (any, error) {
	_, rec, err := h.get(rc, mr.msg)
	if err != nil {
		return nil, err
	}
	return h.respond(rc, rec)
}

func (h *modelHandler) create(rc *RequestContext, mr *modelRequest) (any, error) {
	st := rc.Store()
	vals, err := h.ser().Validate(rc, st, h.entity, mr.msg, serializer.Create, nil)
	if err != nil {
		return nil, err
	}
	rec, err := h.ser().Bind(rc, st, h.entity, vals, nil, serializer.Create, nil)
	if err != nil {
		return nil, err
	}
	saved, err := st.Insert(rc, h.entity, rec)
	if err != nil {
		return nil, err
	}
	return h.respond(rc, saved)
}

func (h *modelHandler) update(rc *RequestContext, mr *modelRequest) (any, error) {
	return h.save(rc, mr.msg, serializer.Update, nil)
}

func (h *modelHandler) partialUpdate(rc *RequestContext, mr *modelRequest) (any, error) {
	return h.save(rc, mr.data, serializer.Partial, mr.mask)
}

func (h *modelHandler) save(rc *RequestContext, msg map[string]any, mode serializer.Mode, mask []string) (any, error) {
	pk, existing, err := h.get(rc, msg)
	if err != nil {
		return nil, err
	}
	st := rc.Store()
	vals, err := h.ser().Validate(rc, st, h.entity, msg, mode, mask)
	if err != nil {
		return nil, err
	}
	rec, err := h.ser().Bind(rc, st, h.entity, vals, existing, mode, mask)
	if err != nil {
		return nil, err
	}
	saved, err := st.Update(rc, h.entity, pk, rec)
	if err != nil {
		return nil, err
	}
	return h.respond(rc, saved)
}

func (h *modelHandler) destroy(rc *RequestContext, mr *modelRequest) (any, error) {
	pk, err := h.lookupKey(mr.msg)
	if err != nil {
		return nil, err
	}
	if err := rc.Store().Delete(rc, h.entity, pk); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(CodeNotFound, "%s %v not found", h.entity.Name, pk)
		}
		return nil, err
	}
	return map[string]any{}, nil
}
