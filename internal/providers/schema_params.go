package providers

import (
	"fmt"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// ApplyInputSchema folds caller-supplied extra fields into the mapped body
// under the model's field-level input schema: unknown extras are dropped,
// defaults are filled in, and required/type/enum violations are ParamsErrors.
// Pure function of its inputs.
func ApplyInputSchema(body, extra map[string]interface{}, schema models.SchemaFields) error {
	for i := range schema {
		field := &schema[i]

		value, present := lookupExtra(extra, field.Name)
		if !present && field.Default != nil {
			value, present = field.Default, true
		}
		if !present {
			if field.Required {
				if _, mapped := body[field.Name]; mapped {
					continue
				}
				return utils.NewParamsError(field.Name, "required field is missing")
			}
			continue
		}

		// A whole number satisfies a "number" field.
		if t := jsonTypeOf(value); field.Type != "" && !field.Accepts(t) &&
			!(t == "integer" && field.Accepts("number")) {
			return utils.NewParamsError(field.Name, fmt.Sprintf("expected %s, got %s", field.Type, t))
		}
		if !field.AllowsValue(value) {
			return utils.NewParamsError(field.Name, fmt.Sprintf("value %v is not one of the allowed values", value))
		}

		body[field.Name] = value
	}
	return nil
}

func lookupExtra(extra map[string]interface{}, name string) (interface{}, bool) {
	if extra == nil {
		return nil, false
	}
	v, ok := extra[name]
	return v, ok
}

// jsonTypeOf names the JSON type of a decoded value the way schema fields
// declare them.
func jsonTypeOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if t == float64(int64(t)) {
			return "integer"
		}
		return "number"
	case int, int64:
		return "integer"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
