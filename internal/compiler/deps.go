package compiler

// The dependency table is the fixed ordered list of host globals compiled
// programs may reach by index. Index 0 is the root binding: the host global
// object itself, resolved at VM construction time.
var dependencyNames = []string{"globalThis", "console"}

// RootDependency is the dependency-table index of the host global object.
const RootDependency = 0

// DependencyNames returns the table carried in every packaged program.
func DependencyNames() []string {
	out := make([]string, len(dependencyNames))
	copy(out, dependencyNames)
	return out
}

func dependencyIndex(name string) (int, bool) {
	// window is the browser spelling of the root binding.
	if name == "window" {
		return RootDependency, true
	}
	for i, dep := range dependencyNames {
		if dep == name {
			return i, true
		}
	}
	return 0, false
}

// windowScoped is the compile-time-only allowlist of names reachable as
// properties of the root binding. References are rewritten into member
// lookups on dependency 0 during compilation; nothing here is carried at run
// time.
var windowScoped = map[string]struct{}{
	"Math":       {},
	"JSON":       {},
	"String":     {},
	"Number":     {},
	"Boolean":    {},
	"Array":      {},
	"Object":     {},
	"parseInt":   {},
	"parseFloat": {},
	"isNaN":      {},
	"isFinite":   {},
}
