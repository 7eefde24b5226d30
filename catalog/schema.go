package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

// schemaValidator holds the compiled #Catalog definition. CUE values are not
// safe for concurrent use, so validation is serialized.
type schemaValidator struct {
	mu      sync.Mutex
	ctx     *cue.Context
	catalog cue.Value
}

var (
	schemaOnce    sync.Once
	schema        *schemaValidator
	schemaInitErr error
)

func loadSchema() (*schemaValidator, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaInitErr = fmt.Errorf("compiling catalog schema: %w", err)
			return
		}
		def := v.LookupPath(cue.ParsePath("#Catalog"))
		if !def.Exists() {
			schemaInitErr = fmt.Errorf("catalog schema has no #Catalog definition")
			return
		}
		schema = &schemaValidator{ctx: ctx, catalog: def}
	})
	return schema, schemaInitErr
}

// validateSchema checks the raw YAML document against #Catalog and returns
// one message per violation. A nil slice means the document conforms.
func validateSchema(name string, data []byte) ([]string, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}
	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return []string{fmt.Sprintf("malformed YAML: %v", err)}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return cueMessages(err), nil
	}
	unified := s.catalog.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueMessages(err), nil
	}
	return nil, nil
}

func cueMessages(err error) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}
