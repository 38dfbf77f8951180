package instrument

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/signalsfoundry/tas-simulator/model"
)

var (
	vOnce  sync.Once
	vInst  *validator.Validate
	vTrans ut.Translator
)

func validatorInstance() (*validator.Validate, ut.Translator) {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			if tag == "" || tag == "-" {
				return fld.Name
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		vInst, vTrans = v, trans
	})
	return vInst, vTrans
}

// ValidationError carries every failed rule as "field: message".
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid instrument: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDefinition }

func validateStruct(v any) error {
	val, trans := validatorInstance()
	err := val.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Problems = append(out.Problems, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Translate(trans)))
	}
	return out
}

// Validate checks a definition's field rules and its crystal names.
func (d *Definition) Validate() error {
	if err := validateStruct(d); err != nil {
		return err
	}
	var problems []string
	for _, list := range [][]model.Crystal{d.Monochromators, d.Analyzers} {
		seen := make(map[string]bool, len(list))
		for _, c := range list {
			if seen[c.Name] {
				problems = append(problems, fmt.Sprintf("duplicate crystal %q", c.Name))
			}
			seen[c.Name] = true
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidateState checks st against its field rules and, when def is given,
// against the crystals and monitors the definition offers.
func ValidateState(st *model.InstrumentState, def *Definition) error {
	if st == nil {
		return &ValidationError{Problems: []string{"state is required"}}
	}
	if err := validateStruct(st); err != nil {
		return err
	}
	if def == nil {
		return nil
	}
	var problems []string
	if st.Instrument != def.Name {
		problems = append(problems, fmt.Sprintf("instrument %q does not match definition %q", st.Instrument, def.Name))
	}
	if st.Mono == nil {
		problems = append(problems, "monochromator crystal is required")
	} else if _, err := def.Monochromator(st.Mono.Name); err != nil {
		problems = append(problems, err.Error())
	}
	if st.Ana == nil {
		problems = append(problems, "analyzer crystal is required")
	} else if _, err := def.Analyzer(st.Ana.Name); err != nil {
		problems = append(problems, err.Error())
	}
	for _, m := range st.Diagnostics {
		if !def.HasMonitor(m) {
			problems = append(problems, fmt.Sprintf("unknown diagnostic monitor %q", m))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
