package process

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/workd/internal/value"
)

// Port types are CUE constraint expressions. Any expression CUE accepts
// can be used, e.g. "int & >0" or `"relax" | "scf"`.
const (
	TypeAny    = "_"
	TypeInt    = "int"
	TypeNumber = "number"
	TypeString = "string"
	TypeBool   = "bool"
	TypeList   = "[...]"
	TypeDict   = "{...}"
)

// typeChecker compiles port constraints once and unifies values against
// them. cue.Context is not safe for concurrent use.
type typeChecker struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

var checker = &typeChecker{
	ctx:     cuecontext.New(),
	schemas: make(map[string]cue.Value),
}

// compile validates a constraint expression without checking a value.
func (c *typeChecker) compile(expr string) (cue.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compileLocked(expr)
}

func (c *typeChecker) compileLocked(expr string) (cue.Value, error) {
	if schema, ok := c.schemas[expr]; ok {
		return schema, nil
	}
	schema := c.ctx.CompileString(expr)
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("invalid type %q: %w", expr, err)
	}
	c.schemas[expr] = schema
	return schema, nil
}

// check unifies v with the constraint expr and requires a concrete result.
func (c *typeChecker) check(expr string, v value.Value) error {
	if expr == "" || expr == TypeAny {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	schema, err := c.compileLocked(expr)
	if err != nil {
		return err
	}
	encoded := c.ctx.Encode(value.ToGo(v))
	if err := encoded.Err(); err != nil {
		return fmt.Errorf("encode %s value: %w", value.KindOf(v), err)
	}
	if err := schema.Unify(encoded).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s value does not satisfy %q: %w", value.KindOf(v), expr, err)
	}
	return nil
}
