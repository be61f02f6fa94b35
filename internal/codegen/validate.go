package codegen

import (
	"fmt"
	"regexp"

	"github.com/weavster/flowc/internal/filterexpr"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/flowrt"
	"github.com/weavster/flowc/internal/ir"
)

// ValidateTemplate reports whether src parses as a flowrt template.
// Generate does not require it: a broken template only fails its field at
// run time.
func ValidateTemplate(src string) error {
	if _, err := flowrt.ParseTemplate(src); err != nil {
		return flowerr.Wrap(flowerr.ErrInvalidTemplate, err, "")
	}
	return nil
}

// ValidateRegex reports whether pattern compiles.
func ValidateRegex(pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return flowerr.InvalidRegex(pattern, err)
	}
	return nil
}

// Validate runs the strict checks Generate leaves to run time: every
// template must parse and every condition must lower. It collects all
// problems rather than stopping at the first.
func Validate(f *ir.Flow) []error {
	var errs []error
	for i, t := range f.Transforms {
		switch t := t.(type) {
		case ir.Template:
			for _, field := range t.Fields {
				if err := ValidateTemplate(field.Template); err != nil {
					fe := err.(*flowerr.Error)
					fe.Field = fmt.Sprintf("transforms[%d].template.%s", i, field.Target)
					errs = append(errs, flowerr.Annotate(fe, f.Name, ""))
				}
			}
		case ir.Regex:
			if t.Pattern != "" {
				if err := ValidateRegex(t.Pattern); err != nil {
					errs = append(errs, flowerr.Annotate(err, f.Name, ""))
				}
			}
		case ir.Filter:
			if _, err := filterexpr.Resolve(t.Condition); err != nil {
				errs = append(errs, conditionError(f, fmt.Sprintf("transforms[%d].filter", i), err))
			}
		}
	}
	for i, o := range f.Outputs {
		if o.Condition == nil {
			continue
		}
		if _, err := filterexpr.Resolve(o.Condition); err != nil {
			errs = append(errs, conditionError(f, fmt.Sprintf("outputs[%d].when", i), err))
		}
	}
	return errs
}

func conditionError(f *ir.Flow, field string, err error) error {
	e := flowerr.Wrap(flowerr.ErrGeneration, err, "")
	e.Field = field
	return flowerr.Annotate(e, f.Name, "")
}
