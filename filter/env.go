// Package filter holds the expression environment for broadcast target
// filters. An event may carry a filter expression; it is evaluated once
// per room member, and the event is only delivered where it yields true.
package filter

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

type User struct {
	Id string
}

type Env struct {
	Room   string
	Name   string
	Source User
	Target User
}

// Compile parses a target filter expression against Env. Callers cache the
// program and run it per recipient.
func Compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.Env(Env{}))
}

// Run evaluates prog in env. Any evaluation error or non-boolean result
// counts as "do not deliver".
func Run(prog *vm.Program, env Env) bool {
	if prog == nil {
		return true
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	bRes, ok := res.(bool)
	return ok && bRes
}
