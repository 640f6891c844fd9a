package taskmodel

import "fmt"

// ApplicationDefinition names an executable (plus default pre/post scripts)
// that Tasks may reference instead of a direct command (spec.md §3).
type ApplicationDefinition struct {
	Name               string
	Description        string
	Executable          string
	DefaultPreprocess  string
	DefaultPostprocess string
}

func (a *ApplicationDefinition) String() string {
	return fmt.Sprintf("Application %s: %s (pre=%s post=%s)",
		a.Name, a.Executable, a.DefaultPreprocess, a.DefaultPostprocess)
}
