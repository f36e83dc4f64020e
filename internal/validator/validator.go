package validator

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// DetailField is the key used when an error cannot be pinned to one field.
const DetailField = "detail"

var (
	setupOnce sync.Once
	trans     ut.Translator
)

// Setup hooks English messages and JSON field names into Gin's binding
// validator. Repeated calls are no-ops.
func Setup() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonName)

		locale := en.New()
		trans, _ = ut.New(locale, locale).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)
	})
}

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// TranslateErrors maps a bind error to field → message. Type mismatches are
// reported on the JSON field; anything else lands under DetailField.
func TranslateErrors(err error) map[string]string {
	var (
		ve        govalidator.ValidationErrors
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &ve):
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			if trans != nil {
				fields[fe.Field()] = fe.Translate(trans)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return map[string]string{typeErr.Field: "must be " + typeErr.Type.String()}
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return map[string]string{DetailField: "malformed JSON body"}
	case errors.Is(err, io.EOF):
		return map[string]string{DetailField: "request body is empty"}
	}
	return map[string]string{DetailField: err.Error()}
}

// Bind decodes and validates the JSON body into dst. It returns nil on
// success and the translated field errors otherwise.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
