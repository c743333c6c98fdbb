package evalcache

import (
	stderrors "errors"
	"fmt"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/kit/errors"
	"github.com/reportkit/reportkit/scope"
	"github.com/reportkit/reportkit/vm"
)

// load decodes, filters and links every unit in the set within sc, returning
// the linked unit for the primary name. The scope's inclusion policy is
// consulted for every unit and every host symbol reference.
func load(name string, set bytecode.Set, sc *scope.Scope) (*vm.Unit, error) {
	progs := make(map[string]*bytecode.Program, set.Len())
	for _, u := range set.Units() {
		if !sc.Allow(u.Name) {
			return nil, &errors.Error{
				Code: errors.ELoadRejected,
				Msg:  fmt.Sprintf("unit %q refused by scope policy", u.Name),
				Op:   "evalcache.load",
			}
		}
		p, err := bytecode.Decode(u.Data)
		if err != nil {
			return nil, err
		}
		if p.Name != u.Name {
			return nil, &errors.Error{
				Code: errors.EMalformedArtifact,
				Msg:  fmt.Sprintf("unit %q decodes to name %q", u.Name, p.Name),
				Op:   "evalcache.load",
			}
		}
		progs[p.Name] = p
	}

	primary, ok := progs[name]
	if !ok {
		return nil, &errors.Error{
			Code: errors.EMalformedArtifact,
			Msg:  fmt.Sprintf("artifact set has no unit %q", name),
			Op:   "evalcache.load",
		}
	}

	resolve := func(symbol string) (reportkit.HostFunc, error) {
		if !sc.Allow(symbol) {
			return nil, &errors.Error{
				Code: errors.ELoadRejected,
				Msg:  fmt.Sprintf("symbol %q refused by scope policy", symbol),
				Op:   "evalcache.load",
			}
		}
		fn, ok := sc.Resolve(symbol)
		if !ok {
			return nil, &errors.Error{
				Code: errors.ELoadRejected,
				Msg:  fmt.Sprintf("symbol %q not visible in scope", symbol),
				Op:   "evalcache.load",
			}
		}
		return fn, nil
	}

	unit, err := vm.Link(primary, progs, resolve)
	if err != nil {
		var coded *errors.Error
		if stderrors.As(err, &coded) {
			return nil, err
		}
		return nil, &errors.Error{
			Code: errors.EMalformedArtifact,
			Msg:  fmt.Sprintf("linking unit %q", name),
			Op:   "evalcache.load",
			Err:  err,
		}
	}
	return unit, nil
}
