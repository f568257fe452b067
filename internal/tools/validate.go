package tools

import (
	"fmt"
)

// validateArgs checks an argument map against a tool's declared JSON schema:
// required fields must be present and every supplied field must match its
// declared type. Invalid input never reaches the underlying action.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	properties, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			v, present := args[field]
			if !present || v == nil {
				return fmt.Errorf("missing required field %q", field)
			}
			if s, isStr := v.(string); isStr && s == "" {
				return fmt.Errorf("required field %q is empty", field)
			}
		}
	}

	for name, value := range args {
		propRaw, declared := properties[name]
		if !declared {
			// Unknown fields are tolerated; models frequently add extras.
			continue
		}
		prop, _ := propRaw.(map[string]interface{})
		declaredType, _ := prop["type"].(string)
		if declaredType == "" || value == nil {
			continue
		}
		if !typeMatches(declaredType, value) {
			return fmt.Errorf("field %q must be of type %s", name, declaredType)
		}
	}

	return nil
}

func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return true
}
