package prepstatement

import (
	"time"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// Hooks are the callbacks the directory invokes into the execution
// layer. Both may be nil.
type Hooks struct {
	// DisconnectQueue releases the remote-queue resources tied to a
	// statement name. Invoked before the cache slot is reclaimed.
	DisconnectQueue func(name string)

	// CloseRemote closes the named statement on the given datanodes
	// when its activation record is destroyed.
	CloseRemote func(name string, nodes []int)
}

// Directory is the per-process prepared statement cache: the name->plan
// table every process keeps, and (on the coordinator) the name->node
// activation table tracking which datanode connections currently have
// the statement prepared.
//
// A Directory is owned by a single session process and is not safe for
// concurrent use. Construct one per session with NewDirectory and tear
// it down with DropAll at session end.
type Directory struct {
	stmts       map[string]*PreparedStatement
	activations map[string]*datanodeStatement

	nodeCount int
	hooks     Hooks
}

func NewDirectory(nodeCount int, hooks Hooks) *Directory {
	return &Directory{
		stmts:       map[string]*PreparedStatement{},
		activations: map[string]*datanodeStatement{},
		nodeCount:   nodeCount,
		hooks:       hooks,
	}
}

// Store inserts a statement under name. Re-preparing the identical
// definition under the same name is accepted silently. With
// flags.Rewrite set and a matching command type, a differing definition
// replaces the stored one. Any other collision is a duplicate-name
// error: silently running a different plan under a reused name is never
// acceptable.
func (d *Directory) Store(name string, plan PlanSource, flags StoreFlags) error {
	if name == "" {
		return xcerror.New(xcerror.XC_DUPLICATE_PSTATEMENT, "invalid statement name: must not be empty")
	}

	if entry, ok := d.stmts[name]; ok {
		sameTag := plan.CommandTag() == entry.Plan.CommandTag()
		sameQuery := plan.Query() == entry.Plan.Query()

		switch {
		case flags.Rewrite && sameTag && !sameQuery:
			entry.Plan.Release()
			entry.Plan = plan
			return plan.Save()
		case sameTag && sameQuery:
			xclog.Zero.Debug().Str("statement", name).Msg("statement already prepared with identical definition, skipping")
			return nil
		default:
			return xcerror.Newf(xcerror.XC_DUPLICATE_PSTATEMENT,
				"prepared statement \"%s\" already exists with a different definition", name)
		}
	}

	d.stmts[name] = &PreparedStatement{
		Name:        name,
		Plan:        plan,
		Desc:        flags.Desc,
		FromSQL:     flags.FromSQL,
		UseResOwner: flags.UseResOwner,
		PrepareTime: time.Now(),
	}

	return plan.Save()
}

// Fetch looks up a statement by name. When required is set, absence is
// an error; otherwise a nil entry is returned.
func (d *Directory) Fetch(name string, required bool) (*PreparedStatement, error) {
	entry, ok := d.stmts[name]
	if !ok {
		if required {
			return nil, xcerror.Newf(xcerror.XC_UNDEFINED_PSTATEMENT,
				"prepared statement \"%s\" does not exist", name)
		}
		return nil, nil
	}
	return entry, nil
}

// Drop removes a statement. The remote-queue resources are released
// before the cache slot is reclaimed, then the plan, then the
// activation record. Dropping an absent statement succeeds silently
// unless required is set.
func (d *Directory) Drop(name string, required bool) error {
	entry, err := d.Fetch(name, required)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	if d.hooks.DisconnectQueue != nil {
		d.hooks.DisconnectQueue(entry.Name)
	}

	entry.Plan.Release()
	delete(d.stmts, entry.Name)

	d.dropActivation(entry.Name)

	return nil
}

// DropAll deallocates every statement; used at session and transaction
// boundaries that demand a clean slate.
func (d *Directory) DropAll() {
	for name := range d.stmts {
		_ = d.Drop(name, false)
	}
}

// Count reports the number of cached statements.
func (d *Directory) Count() int {
	return len(d.stmts)
}
