package compiler

import (
	"fmt"
	"math"

	"github.com/robertkrimen/otto/ast"
	"github.com/robertkrimen/otto/token"

	"github.com/yxzlwz/KProtect/internal/bytecode"
)

// maxSlots is the largest addressable variable slot plus one; slot operands
// are a single byte on the wire.
const maxSlots = 256

// Compile lowers a program AST into the intermediate language: a mapping
// from label to block of stack-oriented instructions. Compilation is
// all-or-nothing; the first unsupported construct or unresolved reference
// aborts with no partial output.
func Compile(prog *ast.Program) (bytecode.IL, error) {
	if prog == nil {
		return nil, fmt.Errorf("nil program")
	}
	c := &compiler{
		il:  bytecode.IL{},
		env: newEnvironment(nil),
	}
	main := c.newBlock(bytecode.EntryLabel)
	c.cur = main
	for _, stmt := range prog.Body {
		if err := c.compileStatement(stmt); err != nil {
			return nil, err
		}
	}
	return c.il, nil
}

type compiler struct {
	il       bytecode.IL
	env      *environment
	cur      *bytecode.Block
	nextSlot int
	loops    int
}

func (c *compiler) newBlock(label string) *bytecode.Block {
	block := &bytecode.Block{InheritsEnv: true}
	c.il[label] = block
	return block
}

func (c *compiler) emit(op byte, args ...bytecode.Argument) {
	c.cur.Instructions = append(c.cur.Instructions, bytecode.Instr(op, args...))
}

// newSlot allocates the next variable slot. Slots are handed out
// monotonically and never reused within one compilation.
func (c *compiler) newSlot() (int, error) {
	if c.nextSlot >= maxSlots {
		return 0, errUnsupported(fmt.Sprintf("programs with more than %d variable slots", maxSlots))
	}
	slot := c.nextSlot
	c.nextSlot++
	return slot, nil
}

// popToTemp materializes the current stack top into a fresh slot and returns
// the slot as an argument. Callers emit the value-producing instructions
// first, so no residue survives across statement boundaries.
func (c *compiler) popToTemp() (bytecode.Argument, error) {
	slot, err := c.newSlot()
	if err != nil {
		return bytecode.Argument{}, err
	}
	c.emit(bytecode.OP_POP, bytecode.VariableArg(slot))
	return bytecode.VariableArg(slot), nil
}

// compileInto lowers body into a fresh labeled block, then restores the
// previous emission target.
func (c *compiler) compileInto(label string, body func() error) error {
	prev := c.cur
	c.cur = c.newBlock(label)
	err := body()
	c.cur = prev
	return err
}

// label derives a deterministic block label from the construct kind and the
// node's source span, so repeated compiles of identical source agree.
func (c *compiler) label(kind string, node ast.Node) string {
	return fmt.Sprintf("%s_%d_%d", kind, int(node.Idx0()), int(node.Idx1()))
}

func (c *compiler) compileStatement(stmt ast.Statement) error {
	switch s := stmt.(type) {
	case nil, *ast.EmptyStatement:
		return nil
	case *ast.BlockStatement:
		for _, inner := range s.List {
			if err := c.compileStatement(inner); err != nil {
				return err
			}
		}
		return nil
	case *ast.ExpressionStatement:
		_, err := c.compileExpression(s.Expression)
		return err
	case *ast.VariableStatement:
		for _, item := range s.List {
			if _, err := c.compileExpression(item); err != nil {
				return err
			}
		}
		return nil
	case *ast.IfStatement:
		return c.compileIf(s)
	case *ast.WhileStatement:
		return c.compileWhile(s)
	case *ast.ForStatement:
		return c.compileFor(s)
	case *ast.BranchStatement:
		return c.compileBranch(s)
	case *ast.DoWhileStatement:
		return errUnsupported("do/while statement")
	case *ast.FunctionStatement:
		return errUnsupported("function declaration")
	case *ast.ReturnStatement:
		return errUnsupported("return statement")
	case *ast.TryStatement:
		return errUnsupported("try/catch statement")
	case *ast.SwitchStatement:
		return errUnsupported("switch statement")
	case *ast.ThrowStatement:
		return errUnsupported("throw statement")
	case *ast.WithStatement:
		return errUnsupported("with statement")
	case *ast.LabelledStatement:
		return errUnsupported("labelled statement")
	case *ast.DebuggerStatement:
		return errUnsupported("debugger statement")
	default:
		return errUnsupported(fmt.Sprintf("statement %T", stmt))
	}
}

// compileIf lowers a conditional into a two-way jump and one block per
// branch. Both labels derive from the if statement's span, so the pair stays
// associated in the IL.
func (c *compiler) compileIf(s *ast.IfStatement) error {
	test, err := c.compileExpression(s.Test)
	if err != nil {
		return err
	}
	ifLabel := c.label("if", s)
	elseArg := bytecode.UndefinedArg()
	elseLabel := ""
	if s.Alternate != nil {
		elseLabel = c.label("else", s)
		elseArg = bytecode.StringArg(elseLabel)
	}
	c.emit(bytecode.OP_PUSH, test)
	c.emit(bytecode.OP_JMP_IF_ELSE, bytecode.StringArg(ifLabel), elseArg)

	err = c.compileInto(ifLabel, func() error {
		if err := c.compileStatement(s.Consequent); err != nil {
			return err
		}
		c.emit(bytecode.OP_EXIT)
		return nil
	})
	if err != nil {
		return err
	}
	if s.Alternate == nil {
		return nil
	}
	return c.compileInto(elseLabel, func() error {
		if err := c.compileStatement(s.Alternate); err != nil {
			return err
		}
		c.emit(bytecode.OP_EXIT)
		return nil
	})
}

// compileWhile lowers a loop into a dedicated block entered by a single
// jump. The block re-evaluates the test each pass, exits when the negated
// test is true, and loops back without growing the continuation stack.
func (c *compiler) compileWhile(s *ast.WhileStatement) error {
	label := c.label("while", s)
	c.emit(bytecode.OP_JMP, bytecode.StringArg(label))
	return c.compileInto(label, func() error {
		test, err := c.compileExpression(s.Test)
		if err != nil {
			return err
		}
		c.emit(bytecode.OP_PUSH, test)
		c.emit(bytecode.OP_NEG)
		c.emit(bytecode.OP_EXIT_IF)
		c.loops++
		err = c.compileStatement(s.Body)
		c.loops--
		if err != nil {
			return err
		}
		c.emit(bytecode.OP_LOOP)
		return nil
	})
}

// compileFor mirrors compileWhile; the initializer runs in the enclosing
// block before the jump and the update clause runs after the body, before
// the loop-back.
func (c *compiler) compileFor(s *ast.ForStatement) error {
	if s.Initializer != nil {
		if _, err := c.compileExpression(s.Initializer); err != nil {
			return err
		}
	}
	label := c.label("for", s)
	c.emit(bytecode.OP_JMP, bytecode.StringArg(label))
	return c.compileInto(label, func() error {
		if s.Test != nil {
			test, err := c.compileExpression(s.Test)
			if err != nil {
				return err
			}
			c.emit(bytecode.OP_PUSH, test)
			c.emit(bytecode.OP_NEG)
			c.emit(bytecode.OP_EXIT_IF)
		}
		c.loops++
		err := c.compileStatement(s.Body)
		c.loops--
		if err != nil {
			return err
		}
		if s.Update != nil {
			if _, err := c.compileExpression(s.Update); err != nil {
				return err
			}
		}
		c.emit(bytecode.OP_LOOP)
		return nil
	})
}

func (c *compiler) compileBranch(s *ast.BranchStatement) error {
	if s.Label != nil {
		return errUnsupported("labelled break/continue")
	}
	switch s.Token {
	case token.BREAK:
		if c.loops == 0 {
			return errUnsupported("break outside a loop")
		}
		c.emit(bytecode.OP_EXIT)
		return nil
	case token.CONTINUE:
		if c.loops == 0 {
			return errUnsupported("continue outside a loop")
		}
		c.emit(bytecode.OP_LOOP)
		return nil
	default:
		return errUnsupported("branch statement " + s.Token.String())
	}
}

var binaryOps = map[token.Token]byte{
	token.PLUS:                 bytecode.OP_ADD,
	token.MINUS:                bytecode.OP_SUB,
	token.MULTIPLY:             bytecode.OP_MUL,
	token.SLASH:                bytecode.OP_DIV,
	token.REMAINDER:            bytecode.OP_MOD,
	token.EQUAL:                bytecode.OP_EQUAL,
	token.STRICT_EQUAL:         bytecode.OP_STRICT_EQUAL,
	token.NOT_EQUAL:            bytecode.OP_NOT_EQUAL,
	token.STRICT_NOT_EQUAL:     bytecode.OP_STRICT_NOT_EQUAL,
	token.LESS:                 bytecode.OP_LESS_THAN,
	token.LESS_OR_EQUAL:        bytecode.OP_LESS_THAN_EQUAL,
	token.GREATER:              bytecode.OP_GREATER_THAN,
	token.GREATER_OR_EQUAL:     bytecode.OP_GREATER_THAN_EQUAL,
	token.AND:                  bytecode.OP_AND,
	token.OR:                   bytecode.OP_OR,
	token.EXCLUSIVE_OR:         bytecode.OP_XOR,
	token.SHIFT_LEFT:           bytecode.OP_LEFT_SHIFT,
	token.SHIFT_RIGHT:          bytecode.OP_RIGHT_SHIFT,
	token.UNSIGNED_SHIFT_RIGHT: bytecode.OP_UNSIGNED_RIGHT_SHIFT,
}

// compileExpression lowers an expression and returns the argument later
// instructions use to refer to its value. Literals and resolvable
// identifiers come back inline; everything else is materialized into a
// freshly allocated slot.
func (c *compiler) compileExpression(expr ast.Expression) (bytecode.Argument, error) {
	switch e := expr.(type) {
	case *ast.NumberLiteral:
		num, err := numberValue(e.Value)
		if err != nil {
			return bytecode.Argument{}, err
		}
		return bytecode.NumberArg(num), nil
	case *ast.StringLiteral:
		return bytecode.StringArg(e.Value), nil
	case *ast.BooleanLiteral:
		// There is no boolean operand tag; booleans materialize as !1 / !0.
		seed := 1.0
		if e.Value {
			seed = 0
		}
		c.emit(bytecode.OP_PUSH, bytecode.NumberArg(seed))
		c.emit(bytecode.OP_NEG)
		return c.popToTemp()
	case *ast.Identifier:
		return c.resolveIdentifier(e.Name)
	case *ast.VariableExpression:
		return c.compileDeclaration(e)
	case *ast.AssignExpression:
		return c.compileAssign(e)
	case *ast.BinaryExpression:
		return c.compileBinary(e)
	case *ast.UnaryExpression:
		return c.compileUnary(e)
	case *ast.DotExpression:
		base, err := c.compileExpression(e.Left)
		if err != nil {
			return bytecode.Argument{}, err
		}
		return c.emitPropertyGet(base, bytecode.StringArg(e.Identifier.Name))
	case *ast.BracketExpression:
		base, err := c.compileExpression(e.Left)
		if err != nil {
			return bytecode.Argument{}, err
		}
		key, err := c.compileExpression(e.Member)
		if err != nil {
			return bytecode.Argument{}, err
		}
		return c.emitPropertyGet(base, key)
	case *ast.CallExpression:
		return c.compileCall(e)
	case *ast.NewExpression:
		return c.compileNew(e)
	case *ast.ArrayLiteral:
		return c.compileArrayLiteral(e)
	case *ast.ObjectLiteral:
		return c.compileObjectLiteral(e)
	case *ast.SequenceExpression:
		result := bytecode.UndefinedArg()
		for _, item := range e.Sequence {
			arg, err := c.compileExpression(item)
			if err != nil {
				return bytecode.Argument{}, err
			}
			result = arg
		}
		return result, nil
	case *ast.EmptyExpression:
		return bytecode.UndefinedArg(), nil
	case *ast.NullLiteral:
		return bytecode.Argument{}, errUnsupported("null literal")
	case *ast.ThisExpression:
		return bytecode.Argument{}, errUnsupported("this expression")
	case *ast.ConditionalExpression:
		return bytecode.Argument{}, errUnsupported("conditional expression")
	case *ast.FunctionLiteral:
		return bytecode.Argument{}, errUnsupported("function expression")
	case *ast.RegExpLiteral:
		return bytecode.Argument{}, errUnsupported("regular expression literal")
	default:
		return bytecode.Argument{}, errUnsupported(fmt.Sprintf("expression %T", expr))
	}
}

// resolveIdentifier applies the fixed resolution order: dependency table,
// window-scoped allowlist, then the variable environment.
func (c *compiler) resolveIdentifier(name string) (bytecode.Argument, error) {
	switch name {
	case "undefined":
		return bytecode.UndefinedArg(), nil
	case "NaN":
		return bytecode.NumberArg(math.NaN()), nil
	case "Infinity":
		return bytecode.NumberArg(math.Inf(1)), nil
	}
	if idx, ok := dependencyIndex(name); ok {
		return bytecode.DependencyArg(idx), nil
	}
	if _, ok := windowScoped[name]; ok {
		// Rewrite into a member access on the root dependency.
		return c.emitPropertyGet(bytecode.DependencyArg(RootDependency), bytecode.StringArg(name))
	}
	if slot, ok := c.env.resolve(name); ok {
		return bytecode.VariableArg(slot), nil
	}
	return bytecode.Argument{}, errUnresolved(name)
}

// emitPropertyGet pushes the key, then the base on top, per the
// GET_PROPERTY pop order, and materializes the result.
func (c *compiler) emitPropertyGet(base, key bytecode.Argument) (bytecode.Argument, error) {
	c.emit(bytecode.OP_PUSH, key)
	c.emit(bytecode.OP_PUSH, base)
	c.emit(bytecode.OP_GET_PROPERTY)
	return c.popToTemp()
}

// compileDeclaration handles one var declarator. Redeclaring a name reuses
// its slot, matching host var semantics.
func (c *compiler) compileDeclaration(e *ast.VariableExpression) (bytecode.Argument, error) {
	value := bytecode.UndefinedArg()
	if e.Initializer != nil {
		arg, err := c.compileExpression(e.Initializer)
		if err != nil {
			return bytecode.Argument{}, err
		}
		value = arg
	}
	slot, ok := c.env.resolve(e.Name)
	if !ok {
		var err error
		slot, err = c.newSlot()
		if err != nil {
			return bytecode.Argument{}, err
		}
		c.env.define(e.Name, slot)
	}
	c.emit(bytecode.OP_STORE, value, bytecode.VariableArg(slot))
	return bytecode.VariableArg(slot), nil
}

func (c *compiler) compileAssign(e *ast.AssignExpression) (bytecode.Argument, error) {
	if e.Operator != token.ASSIGN {
		return bytecode.Argument{}, errUnsupported("compound assignment operator " + e.Operator.String())
	}
	ident, ok := e.Left.(*ast.Identifier)
	if !ok {
		return bytecode.Argument{}, errUnsupported(fmt.Sprintf("assignment to non-identifier target %T", e.Left))
	}
	value, err := c.compileExpression(e.Right)
	if err != nil {
		return bytecode.Argument{}, err
	}
	// A first assignment to a fresh name declares it.
	slot, ok := c.env.resolve(ident.Name)
	if !ok {
		slot, err = c.newSlot()
		if err != nil {
			return bytecode.Argument{}, err
		}
		c.env.define(ident.Name, slot)
	}
	c.emit(bytecode.OP_STORE, value, bytecode.VariableArg(slot))
	return bytecode.VariableArg(slot), nil
}

func (c *compiler) compileBinary(e *ast.BinaryExpression) (bytecode.Argument, error) {
	if e.Operator == token.LOGICAL_AND || e.Operator == token.LOGICAL_OR {
		return bytecode.Argument{}, errUnsupported("logical expression " + e.Operator.String())
	}
	op, ok := binaryOps[e.Operator]
	if !ok {
		return bytecode.Argument{}, errUnsupported("binary operator " + e.Operator.String())
	}
	left, err := c.compileExpression(e.Left)
	if err != nil {
		return bytecode.Argument{}, err
	}
	right, err := c.compileExpression(e.Right)
	if err != nil {
		return bytecode.Argument{}, err
	}
	c.emit(bytecode.OP_PUSH, left)
	c.emit(bytecode.OP_PUSH, right)
	c.emit(op)
	return c.popToTemp()
}

func (c *compiler) compileUnary(e *ast.UnaryExpression) (bytecode.Argument, error) {
	if e.Operator == token.INCREMENT || e.Operator == token.DECREMENT {
		return c.compileUpdate(e)
	}
	operand, err := c.compileExpression(e.Operand)
	if err != nil {
		return bytecode.Argument{}, err
	}
	switch e.Operator {
	case token.NOT:
		c.emit(bytecode.OP_PUSH, operand)
		c.emit(bytecode.OP_NEG)
	case token.BITWISE_NOT:
		c.emit(bytecode.OP_PUSH, operand)
		c.emit(bytecode.OP_NOT)
	case token.TYPEOF:
		c.emit(bytecode.OP_PUSH, operand)
		c.emit(bytecode.OP_TYPEOF)
	case token.MINUS:
		c.emit(bytecode.OP_PUSH, bytecode.NumberArg(0))
		c.emit(bytecode.OP_PUSH, operand)
		c.emit(bytecode.OP_SUB)
	case token.PLUS:
		// Numeric coercion without ADD's string concatenation.
		c.emit(bytecode.OP_PUSH, operand)
		c.emit(bytecode.OP_PUSH, bytecode.NumberArg(0))
		c.emit(bytecode.OP_SUB)
	default:
		return bytecode.Argument{}, errUnsupported("unary operator " + e.Operator.String())
	}
	return c.popToTemp()
}

// compileUpdate rewrites ++x / x-- into the equivalent assignment. The
// postfix form snapshots the old value into a fresh slot first and yields
// that slot.
func (c *compiler) compileUpdate(e *ast.UnaryExpression) (bytecode.Argument, error) {
	ident, ok := e.Operand.(*ast.Identifier)
	if !ok {
		return bytecode.Argument{}, errUnsupported(fmt.Sprintf("update of non-identifier target %T", e.Operand))
	}
	slot, ok := c.env.resolve(ident.Name)
	if !ok {
		return bytecode.Argument{}, errUnresolved(ident.Name)
	}
	op := byte(bytecode.OP_ADD)
	if e.Operator == token.DECREMENT {
		op = bytecode.OP_SUB
	}

	result := bytecode.VariableArg(slot)
	if e.Postfix {
		snapshot, err := c.newSlot()
		if err != nil {
			return bytecode.Argument{}, err
		}
		c.emit(bytecode.OP_STORE, bytecode.VariableArg(slot), bytecode.VariableArg(snapshot))
		result = bytecode.VariableArg(snapshot)
	}
	c.emit(bytecode.OP_PUSH, bytecode.VariableArg(slot))
	c.emit(bytecode.OP_PUSH, bytecode.NumberArg(1))
	c.emit(op)
	c.emit(bytecode.OP_POP, bytecode.VariableArg(slot))
	return result, nil
}

// compileArguments lowers an argument or element list. Values are evaluated
// in source order, then pushed in reverse index order so INIT_ARRAY pops
// them back into source order.
func (c *compiler) compileArguments(args []ast.Expression) error {
	lowered := make([]bytecode.Argument, len(args))
	for i, a := range args {
		arg, err := c.compileExpression(a)
		if err != nil {
			return err
		}
		lowered[i] = arg
	}
	for i := len(lowered) - 1; i >= 0; i-- {
		c.emit(bytecode.OP_PUSH, lowered[i])
	}
	c.emit(bytecode.OP_INIT_ARRAY, bytecode.NumberArg(float64(len(lowered))))
	return nil
}

func (c *compiler) compileCall(e *ast.CallExpression) (bytecode.Argument, error) {
	switch callee := e.Callee.(type) {
	case *ast.DotExpression:
		base, err := c.compileExpression(callee.Left)
		if err != nil {
			return bytecode.Argument{}, err
		}
		if err := c.compileArguments(e.ArgumentList); err != nil {
			return bytecode.Argument{}, err
		}
		c.emit(bytecode.OP_PUSH, bytecode.StringArg(callee.Identifier.Name))
		c.emit(bytecode.OP_PUSH, base)
		c.emit(bytecode.OP_CALL_MEMBER_EXPRESSION)
	case *ast.BracketExpression:
		base, err := c.compileExpression(callee.Left)
		if err != nil {
			return bytecode.Argument{}, err
		}
		key, err := c.compileExpression(callee.Member)
		if err != nil {
			return bytecode.Argument{}, err
		}
		if err := c.compileArguments(e.ArgumentList); err != nil {
			return bytecode.Argument{}, err
		}
		c.emit(bytecode.OP_PUSH, key)
		c.emit(bytecode.OP_PUSH, base)
		c.emit(bytecode.OP_CALL_MEMBER_EXPRESSION)
	default:
		fn, err := c.compileExpression(e.Callee)
		if err != nil {
			return bytecode.Argument{}, err
		}
		if err := c.compileArguments(e.ArgumentList); err != nil {
			return bytecode.Argument{}, err
		}
		c.emit(bytecode.OP_PUSH, fn)
		c.emit(bytecode.OP_CALL)
	}
	return c.popToTemp()
}

func (c *compiler) compileNew(e *ast.NewExpression) (bytecode.Argument, error) {
	fn, err := c.compileExpression(e.Callee)
	if err != nil {
		return bytecode.Argument{}, err
	}
	if err := c.compileArguments(e.ArgumentList); err != nil {
		return bytecode.Argument{}, err
	}
	c.emit(bytecode.OP_PUSH, fn)
	c.emit(bytecode.OP_INIT_CONSTRUCTOR)
	return c.popToTemp()
}

func (c *compiler) compileArrayLiteral(e *ast.ArrayLiteral) (bytecode.Argument, error) {
	if err := c.compileArguments(e.Value); err != nil {
		return bytecode.Argument{}, err
	}
	return c.popToTemp()
}

func (c *compiler) compileObjectLiteral(e *ast.ObjectLiteral) (bytecode.Argument, error) {
	for _, prop := range e.Value {
		if prop.Kind != "value" {
			return bytecode.Argument{}, errUnsupported("object property kind " + prop.Kind)
		}
		value, err := c.compileExpression(prop.Value)
		if err != nil {
			return bytecode.Argument{}, err
		}
		// Value first, then key, per the INIT_OBJECT pop order.
		c.emit(bytecode.OP_PUSH, value)
		c.emit(bytecode.OP_PUSH, bytecode.StringArg(prop.Key))
	}
	c.emit(bytecode.OP_INIT_OBJECT, bytecode.NumberArg(float64(len(e.Value))))
	return c.popToTemp()
}

func numberValue(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, errUnsupported(fmt.Sprintf("number literal value %T", v))
	}
}
