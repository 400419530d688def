package vm

// Slot reads a variable slot after (or during) execution, undefined when the
// slot was never written.
func (vm *VM) Slot(idx int) Value {
	if idx < 0 || idx >= len(vm.slots) {
		return Undefined()
	}
	return vm.slots[idx]
}

// StackDepth reports the current operand stack depth.
func (vm *VM) StackDepth() int {
	return len(vm.stack)
}

// ContinuationDepth reports how many block jumps are pending an exit.
func (vm *VM) ContinuationDepth() int {
	return len(vm.conts)
}

// Property resolves a property read the way GET_PROPERTY does, for host code
// inspecting values produced by a program.
func Property(base, key Value) (Value, error) {
	return propertyGet(base, key)
}
