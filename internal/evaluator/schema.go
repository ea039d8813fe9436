package evaluator

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/tasks.schema.json
var tasksSchemaSource string

var tasksSchema = jsonschema.MustCompileString("schemas/tasks.schema.json", tasksSchemaSource)

// validateTasks checks a tasks response before it is collected.
func validateTasks(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: response is not JSON: %v", ErrEvaluator, err)
	}
	if err := tasksSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: response does not match the task schema: %v", ErrEvaluator, err)
	}
	return nil
}
