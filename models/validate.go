package models

import (
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		_ = v.RegisterValidation("timestamp", func(fl validator.FieldLevel) bool {
			_, ok := utils.ParseTimestamp(fl.Field().String())
			return ok
		})
		validate = v
	})
	return validate
}

// Validate runs the struct tags of a record. Deletes skip this.
func Validate(rec Record) error {
	return getValidator().Struct(rec)
}
