package provider

// PatchSchemaForStrictMode rewrites a JSON schema to satisfy the OpenAI
// Responses API strict structured-output rules: every object level must set
// additionalProperties=false and list all of its properties as required.
// The input map is not modified; a patched copy is returned.
func PatchSchemaForStrictMode(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = patchValue(k, v)
	}
	if out["type"] == "object" {
		out["additionalProperties"] = false
		if props, ok := out["properties"].(map[string]any); ok {
			required := make([]any, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			out["required"] = required
		}
	}
	return out
}

func patchValue(key string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		// Sub-schema containers get recursed; plain value maps (e.g. an
		// "examples" object) pass through untouched.
		switch key {
		case "properties", "$defs", "definitions", "patternProperties":
			out := make(map[string]any, len(val))
			for name, sub := range val {
				if subSchema, ok := sub.(map[string]any); ok {
					out[name] = PatchSchemaForStrictMode(subSchema)
				} else {
					out[name] = sub
				}
			}
			return out
		case "items", "additionalItems", "contains", "not", "if", "then", "else", "propertyNames":
			return PatchSchemaForStrictMode(val)
		default:
			return val
		}
	case []any:
		switch key {
		case "anyOf", "oneOf", "allOf", "items", "prefixItems":
			out := make([]any, len(val))
			for i, sub := range val {
				if subSchema, ok := sub.(map[string]any); ok {
					out[i] = PatchSchemaForStrictMode(subSchema)
				} else {
					out[i] = sub
				}
			}
			return out
		default:
			return val
		}
	default:
		return v
	}
}
