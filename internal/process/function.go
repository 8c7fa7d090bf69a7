package process

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/roach88/workd/internal/value"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	valueType   = reflect.TypeFor[value.Value]()
)

// Param names one parameter of a function process. Go does not expose
// parameter names, so they are given explicitly, in order.
type Param struct {
	Name       string
	Type       string
	Default    any
	HasDefault bool
}

// Arg declares a required parameter.
func Arg(name string) Param {
	return Param{Name: name}
}

// ArgDefault declares a parameter with a default.
func ArgDefault(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true}
}

// Typed overrides the port type inferred from the Go parameter type.
func (p Param) Typed(typ string) Param {
	p.Type = typ
	return p
}

// Function builds a process class from a plain Go function.
//
// fn may take a leading context.Context, followed by one argument per
// param. It returns a result, optionally followed by an error. A result
// that is a string-keyed map becomes one output per key; any other result
// becomes the sole anonymous output. A nil result emits nothing.
func Function(key string, fn any, params ...Param) (*Class, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("function %q: %T is not a func", key, fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("function %q: variadic functions are not supported", key)
	}

	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		offset = 1
	}
	if ft.NumIn()-offset != len(params) {
		return nil, fmt.Errorf("function %q: %d params named for %d arguments", key, len(params), ft.NumIn()-offset)
	}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) != errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		return nil, fmt.Errorf("function %q: must return a result, optionally with an error", key)
	}

	seen := make(map[string]bool, len(params))
	for i := range params {
		if params[i].Name == "" || seen[params[i].Name] {
			return nil, fmt.Errorf("function %q: param %d has an empty or duplicate name", key, i)
		}
		seen[params[i].Name] = true
		if params[i].Type == "" {
			params[i].Type = typeFor(ft.In(i + offset))
		}
	}

	f := &funcDef{fn: fv, params: params, withCtx: offset == 1}
	var class *Class
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("function %q: %v", key, r)
			}
		}()
		class = NewClass(key, func() Definition { return f })
		return nil
	}()
	return class, err
}

// MustFunction is Function that panics on error.
func MustFunction(key string, fn any, params ...Param) *Class {
	c, err := Function(key, fn, params...)
	if err != nil {
		panic(err)
	}
	return c
}

// typeFor maps a Go parameter type to a port constraint.
func typeFor(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInt
	case reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBool
	case reflect.Slice, reflect.Array:
		return TypeList
	case reflect.Map:
		return TypeDict
	}
	return TypeAny
}

// funcDef is stateless, so one instance serves every process of the class.
type funcDef struct {
	fn      reflect.Value
	params  []Param
	withCtx bool
}

func (f *funcDef) Define(spec *Spec) {
	for _, p := range f.params {
		if p.HasDefault {
			spec.Input(p.Name, Optional(p.Type, p.Default))
		} else {
			spec.Input(p.Name, Required(p.Type))
		}
	}
	spec.Outputs().AllowDynamic(TypeAny)
}

func (f *funcDef) Run(ctx context.Context, p *Process) (Next, error) {
	ft := f.fn.Type()
	args := make([]reflect.Value, 0, ft.NumIn())
	if f.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, param := range f.params {
		arg, err := convertArg(p.Input(param.Name), ft.In(len(args)))
		if err != nil {
			return Next{}, newError(ErrCodeInvalidInputs, p.PID(), err, "argument %d (%s)", i, param.Name)
		}
		args = append(args, arg)
	}

	results := f.fn.Call(args)
	if len(results) == 2 && !results[1].IsNil() {
		return Next{}, results[1].Interface().(error)
	}
	if err := f.emit(ctx, p, results[0]); err != nil {
		return Next{}, err
	}
	return Finish(), nil
}

func (f *funcDef) emit(ctx context.Context, p *Process, result reflect.Value) error {
	switch result.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		if result.IsNil() {
			return nil
		}
	}
	if result.Kind() == reflect.Interface {
		result = result.Elem()
	}
	if result.Kind() == reflect.Map && result.Type().Key().Kind() == reflect.String {
		iter := result.MapRange()
		for iter.Next() {
			if err := p.Out(ctx, iter.Key().String(), iter.Value().Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	return p.Return(ctx, result.Interface())
}

// convertArg turns a stored value into an argument of type t.
func convertArg(v value.Value, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		if v == nil {
			v = value.Null{}
		}
		return reflect.ValueOf(&v).Elem(), nil
	}
	g := value.ToGo(v)
	if g == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(g)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if isScalar(rv.Kind()) && isScalar(t.Kind()) && rv.Type().ConvertibleTo(t) {
		if rv.Kind() == reflect.String || t.Kind() == reflect.String {
			if rv.Kind() != t.Kind() {
				return reflect.Value{}, fmt.Errorf("cannot use %s as %s", rv.Type(), t)
			}
		}
		return rv.Convert(t), nil
	}
	if t.Kind() == reflect.Interface && rv.Type().Implements(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	return reflect.Value{}, errors.New("cannot use " + rv.Type().String() + " as " + t.String())
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
		return true
	}
	return false
}
