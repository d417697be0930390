package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource []byte

type compiledSchema struct {
	ctx *cue.Context
	def cue.Value
}

// The CUE runtime is not safe for concurrent use, so every check runs
// under schemaMu against one lazily compiled schema.
var (
	schemaMu   sync.Mutex
	schemaOnce = sync.OnceValues(func() (*compiledSchema, error) {
		ctx := cuecontext.New()
		v := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		def := v.LookupPath(cue.ParsePath("#Config"))
		if err := def.Err(); err != nil {
			return nil, fmt.Errorf("lookup #Config: %w", err)
		}
		return &compiledSchema{ctx: ctx, def: def}, nil
	})
)

// checkSchema unifies the raw document with #Config and returns one
// message per violation, sorted for stable output.
func checkSchema(raw any) []string {
	schema, err := schemaOnce()
	if err != nil {
		return []string{err.Error()}
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	doc := schema.ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return formatCUEErrors(err)
	}
	unified := schema.def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEErrors(err)
	}
	return nil
}

func formatCUEErrors(err error) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		segs := e.Path()
		if len(segs) > 0 && segs[0] == "#Config" {
			segs = segs[1:]
		}
		if path := strings.Join(segs, "."); path != "" {
			msg = path + ": " + msg
		}
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	sort.Strings(out)
	return out
}
