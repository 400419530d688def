package compiler

// UnsupportedError reports a source construct outside the supported subset.
// Compilation stops at the first occurrence; there is no partial output.
type UnsupportedError struct {
	Construct string
}

func (e *UnsupportedError) Error() string {
	return "unsupported construct: " + e.Construct
}

// UnresolvedError reports an identifier that is neither a declared variable,
// a dependency, nor a window-scoped name.
type UnresolvedError struct {
	Name string
}

func (e *UnresolvedError) Error() string {
	return "unresolved reference: " + e.Name
}

func errUnsupported(construct string) error {
	return &UnsupportedError{Construct: construct}
}

func errUnresolved(name string) error {
	return &UnresolvedError{Name: name}
}
