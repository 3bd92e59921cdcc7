package scenario

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a problem turning a CUE value into a Scenario.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	return &CompileError{Message: cueerrors.Details(err, nil)}
}

// Compile parses a CUE value into a Scenario and validates it.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The value should be the scenario struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	scn, err := scenario.Compile(v.LookupPath(cue.ParsePath("scenario")))
func Compile(v cue.Value) (*Scenario, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	scn := &Scenario{
		Passes:  3,
		Regions: make(map[string]RegionDef),
	}

	name, err := requireString(v, "name")
	if err != nil {
		return nil, err
	}
	scn.Name = name

	if desc := v.LookupPath(cue.ParsePath("description")); desc.Exists() {
		scn.Description, err = desc.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
	}

	if tr := v.LookupPath(cue.ParsePath("trace")); tr.Exists() {
		n, err := tr.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		scn.Trace = uint32(n)
	} else {
		scn.Trace = 1
	}

	if passes := v.LookupPath(cue.ParsePath("passes")); passes.Exists() {
		n, err := passes.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		scn.Passes = int(n)
	}

	if err := parseRegions(v, scn); err != nil {
		return nil, err
	}
	if err := parseOps(v, scn); err != nil {
		return nil, err
	}
	if err := scn.Validate(); err != nil {
		return nil, &CompileError{Field: "scenario", Message: err.Error(), Pos: v.Pos()}
	}
	return scn, nil
}

func requireString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func parseRegions(v cue.Value, scn *Scenario) error {
	regions := v.LookupPath(cue.ParsePath("regions"))
	if !regions.Exists() {
		return &CompileError{Field: "regions", Message: "regions are required", Pos: v.Pos()}
	}
	iter, err := regions.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		rv := iter.Value()
		def := RegionDef{Tree: 1}
		if tv := rv.LookupPath(cue.ParsePath("tree")); tv.Exists() {
			n, err := tv.Int64()
			if err != nil {
				return formatCUEError(err)
			}
			def.Tree = uint32(n)
		}
		lo, err := rv.LookupPath(cue.ParsePath("lo")).Int64()
		if err != nil {
			return &CompileError{Field: "regions." + name, Message: "lo is required", Pos: rv.Pos()}
		}
		hi, err := rv.LookupPath(cue.ParsePath("hi")).Int64()
		if err != nil {
			return &CompileError{Field: "regions." + name, Message: "hi is required", Pos: rv.Pos()}
		}
		def.Lo, def.Hi = lo, hi
		scn.Regions[name] = def
	}
	return nil
}

func parseOps(v cue.Value, scn *Scenario) error {
	ops := v.LookupPath(cue.ParsePath("ops"))
	if !ops.Exists() {
		return &CompileError{Field: "ops", Message: "ops are required", Pos: v.Pos()}
	}
	iter, err := ops.List()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		ov := iter.Value()
		step := OpStep{}
		step.Kind, err = requireString(ov, "kind")
		if err != nil {
			return err
		}
		if lv := ov.LookupPath(cue.ParsePath("local")); lv.Exists() {
			n, err := lv.Int64()
			if err != nil {
				return formatCUEError(err)
			}
			step.Local = uint64(n)
		}
		if vv := ov.LookupPath(cue.ParsePath("value")); vv.Exists() {
			step.Value, err = vv.String()
			if err != nil {
				return formatCUEError(err)
			}
		}
		if bv := ov.LookupPath(cue.ParsePath("blocking")); bv.Exists() {
			step.Blocking, err = bv.Bool()
			if err != nil {
				return formatCUEError(err)
			}
		}
		reqs := ov.LookupPath(cue.ParsePath("reqs"))
		if reqs.Exists() {
			riter, err := reqs.List()
			if err != nil {
				return formatCUEError(err)
			}
			for riter.Next() {
				req, err := parseReq(riter.Value())
				if err != nil {
					return err
				}
				step.Reqs = append(step.Reqs, req)
			}
		}
		scn.Ops = append(scn.Ops, step)
	}
	return nil
}

func parseReq(v cue.Value) (ReqDef, error) {
	req := ReqDef{}
	var err error
	req.Region, err = requireString(v, "region")
	if err != nil {
		return req, err
	}
	req.Access, err = requireString(v, "access")
	if err != nil {
		return req, err
	}
	fields := v.LookupPath(cue.ParsePath("fields"))
	if fields.Exists() {
		fiter, err := fields.List()
		if err != nil {
			return req, formatCUEError(err)
		}
		for fiter.Next() {
			n, err := fiter.Value().Int64()
			if err != nil {
				return req, formatCUEError(err)
			}
			req.Fields = append(req.Fields, uint(n))
		}
	}
	if rv := v.LookupPath(cue.ParsePath("redop")); rv.Exists() {
		n, err := rv.Int64()
		if err != nil {
			return req, formatCUEError(err)
		}
		req.Redop = uint32(n)
	}
	return req, nil
}

// CompileString compiles CUE source holding a top-level "scenario"
// struct.
func CompileString(src string) (*Scenario, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	sv := v.LookupPath(cue.ParsePath("scenario"))
	if !sv.Exists() {
		return nil, &CompileError{Field: "scenario", Message: "top-level scenario struct is required"}
	}
	return Compile(sv)
}

// LoadFile compiles a scenario from a CUE file on disk.
func LoadFile(path string) (*Scenario, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	return CompileString(string(src))
}
