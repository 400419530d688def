package compiler

// environment maps variable names to slot indices. Environments form a stack
// through parent links so nested scopes are an additive extension; the
// supported subset only ever populates the root environment, and every slot
// index comes from the compiler's single monotonic counter.
type environment struct {
	parent *environment
	slots  map[string]int
}

func newEnvironment(parent *environment) *environment {
	return &environment{
		parent: parent,
		slots:  make(map[string]int),
	}
}

// resolve finds a declared name, walking enclosing environments.
func (e *environment) resolve(name string) (int, bool) {
	for env := e; env != nil; env = env.parent {
		if slot, ok := env.slots[name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// define binds a name to a slot in this environment.
func (e *environment) define(name string, slot int) {
	e.slots[name] = slot
}
