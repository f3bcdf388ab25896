package action

import (
	"context"
	"sort"
	"sync"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
)

// NameRunFunc is the action type name of RunFunc.
const NameRunFunc = "RunFunc"

// Parameters of RunFunc naming registered functions.
const (
	ParamForward  = "forward"
	ParamBackward = "backward"
)

// Func is user code run by RunFunc. coll is nil when the document type
// has no collection.
type Func func(ctx context.Context, db store.Database, coll store.Collection, s schema.Schema) error

var (
	funcsMu sync.RWMutex
	funcs   = map[string]Func{}
)

// RegisterFunc makes fn available to RunFunc actions loaded from
// migration files under name.
func RegisterFunc(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

// LookupFunc returns a function registered with RegisterFunc.
func LookupFunc(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// RegisteredFuncs returns the sorted names of registered functions.
func RegisteredFuncs() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunFunc runs user supplied functions. The functions are expected to
// keep data consistent with the schema themselves, so the schema patch
// is empty. The compiler never produces RunFunc.
type RunFunc struct {
	base
	forward  Func
	backward Func
}

// NewRunFunc returns an action running forward and backward. At least
// one of them must be set.
func NewRunFunc(documentType string, forward, backward Func) (*RunFunc, error) {
	if forward == nil && backward == nil {
		return nil, docerr.Action(nil, "forward and backward functions of RunFunc(%s) are not set", documentType)
	}
	return &RunFunc{
		base:     newBase(NameRunFunc, documentType, PriorityField, nil),
		forward:  forward,
		backward: backward,
	}, nil
}

// NewRegisteredRunFunc returns a RunFunc calling functions registered
// under the given names. Empty names are skipped.
func NewRegisteredRunFunc(documentType, forward, backward string) (*RunFunc, error) {
	params := map[string]interface{}{}
	var fwd, bwd Func
	for _, item := range []struct {
		param, name string
		dst         *Func
	}{
		{ParamForward, forward, &fwd},
		{ParamBackward, backward, &bwd},
	} {
		if item.name == "" {
			continue
		}
		fn, ok := LookupFunc(item.name)
		if !ok {
			return nil, docerr.Action(nil, "function %q of RunFunc(%s) is not registered", item.name, documentType)
		}
		*item.dst = fn
		params[item.param] = item.name
	}
	a, err := NewRunFunc(documentType, fwd, bwd)
	if err != nil {
		return nil, err
	}
	a.params = params
	return a, nil
}

func (a *RunFunc) Spec() Spec { return a.spec() }

func (a *RunFunc) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	return nil, nil
}

func (a *RunFunc) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	if a.forward == nil {
		return nil
	}
	return a.forward(ctx, a.run.db, a.run.collection, a.run.left)
}

func (a *RunFunc) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	if a.backward == nil {
		return nil
	}
	return a.backward(ctx, a.run.db, a.run.collection, a.run.left)
}
