package parser

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/weavster/flowc/internal/flowerr"
)

//go:embed schema.cue
var schemaSource []byte

// checkSchema unifies the document with #Flow and reports the first
// violation at its position in the flow file. Each call builds its own
// CUE context; contexts are not safe for concurrent use.
func checkSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return flowerr.Wrap(flowerr.ErrParse, err, "flow schema")
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return flowerr.Wrap(flowerr.ErrParse, err, "")
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return formatCUEError(filename, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Flow")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(filename, err)
	}
	return nil
}

// formatCUEError converts the first CUE error into a ParseError positioned
// in the flow file when CUE knows where the offending value came from.
func formatCUEError(filename string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return flowerr.Wrap(flowerr.ErrParse, err, "")
	}
	first := errs[0]

	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	path := strings.TrimPrefix(strings.Join(first.Path(), "."), "#Flow.")
	if path != "" && path != "#Flow" {
		msg = path + ": " + msg
	}
	e := flowerr.Parse("%s", msg)

	for _, pos := range cueerrors.Positions(first) {
		if pos.Filename() == filename {
			e.Line, e.Column = pos.Line(), pos.Column()
			break
		}
	}
	return e
}
