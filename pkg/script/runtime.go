package script

// Runtime executes a script against a variable scope and returns its
// result value.
type Runtime interface {
	RunScript(script string, scope map[string]any) (any, error)
}
