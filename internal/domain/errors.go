package domain

import (
	"fmt"
	"strings"
)

// DefinitionError aggregates static definition issues. It is raised before
// any job executes and maps a run to the definition_error status.
type DefinitionError struct {
	Issues []string
}

func (e *DefinitionError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline definition invalid"
	}
	return "pipeline definition invalid: " + strings.Join(e.Issues, "; ")
}

func (e *DefinitionError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *DefinitionError) Addf(format string, args ...any) {
	e.Add(fmt.Sprintf(format, args...))
}

func (e *DefinitionError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
