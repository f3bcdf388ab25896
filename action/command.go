package action

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
)

// Command is a small reversible database step, such as making a field
// required. Commands hold no state.
type Command interface {
	Forward(ctx context.Context, db store.Database, coll store.Collection, oldSchema, newSchema schema.Schema) (interface{}, error)
	Backward(ctx context.Context, db store.Database, coll store.Collection, oldSchema, newSchema schema.Schema) (interface{}, error)
}

// CommandResult is the outcome of one command of a chain.
type CommandResult struct {
	Index  int
	Result interface{}
	Err    error
}

// CommandChain runs commands in order. By default the first failure
// stops the chain. With IgnoreFailed every command runs and each
// outcome is reported.
type CommandChain struct {
	Commands     []Command
	IgnoreFailed bool
	Logger       *zap.Logger
}

// Forward runs every command forward. The returned error combines all
// failures.
func (c *CommandChain) Forward(ctx context.Context, db store.Database, coll store.Collection, oldSchema, newSchema schema.Schema) ([]CommandResult, error) {
	return c.run(ctx, len(c.Commands), func(i int) (interface{}, error) {
		return c.Commands[i].Forward(ctx, db, coll, oldSchema, newSchema)
	}, false)
}

// Backward runs every command backward, last command first.
func (c *CommandChain) Backward(ctx context.Context, db store.Database, coll store.Collection, oldSchema, newSchema schema.Schema) ([]CommandResult, error) {
	return c.run(ctx, len(c.Commands), func(i int) (interface{}, error) {
		return c.Commands[i].Backward(ctx, db, coll, oldSchema, newSchema)
	}, true)
}

func (c *CommandChain) run(ctx context.Context, n int, call func(i int) (interface{}, error), reverse bool) ([]CommandResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		results []CommandResult
		errs    error
	)
	for step := 0; step < n; step++ {
		i := step
		if reverse {
			i = n - 1 - step
		}
		if err := ctx.Err(); err != nil {
			return results, multierr.Append(errs, err)
		}
		res, err := call(i)
		results = append(results, CommandResult{Index: i, Result: res, Err: err})
		if err == nil {
			continue
		}
		if !c.IgnoreFailed {
			return results, err
		}
		logger.Warn("command failed, continuing", zap.Int("index", i), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return results, errs
}

// NewCommandAction wraps chain into a RunFunc. The chain receives the
// schema before the action as the old schema and target as the new one.
func NewCommandAction(documentType string, chain *CommandChain, target schema.Schema) (*RunFunc, error) {
	if chain == nil || len(chain.Commands) == 0 {
		return nil, docerr.Action(nil, "command chain of %s is empty", documentType)
	}
	forward := func(ctx context.Context, db store.Database, coll store.Collection, s schema.Schema) error {
		_, err := chain.Forward(ctx, db, coll, s, target)
		return err
	}
	backward := func(ctx context.Context, db store.Database, coll store.Collection, s schema.Schema) error {
		_, err := chain.Backward(ctx, db, coll, s, target)
		return err
	}
	return NewRunFunc(documentType, forward, backward)
}
