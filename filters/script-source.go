// elfilter: script-driven filtering of SAM/BAM files.
// Copyright (c) 2017-2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package filters

import (
	"errors"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// scriptFunction is the name of the global function that holds the
// filter script.
const scriptFunction = "__alnfilter__"

var (
	errEmptyScript = errors.New("empty filter script")
	errNotABody    = errors.New("filter script is not a function body")
)

// parseScript parses source as the body of the global function
// scriptFunction. A script without a return statement of its own whose
// last statement is an expression returns the value of that
// expression, so both "aln.mapq >= 20" and a full function body work.
func parseScript(source string) (*ast.Program, error) {
	program, err := parser.ParseFile(nil, "", "function "+scriptFunction+"() {\n"+source+"\n}", 0)
	if err != nil {
		return nil, err
	}
	if len(program.Body) != 1 {
		return nil, errNotABody
	}
	declaration, ok := program.Body[0].(*ast.FunctionDeclaration)
	if !ok || declaration.Function.Name == nil || declaration.Function.Name.Name != scriptFunction {
		return nil, errNotABody
	}
	body := declaration.Function.Body
	if !hasStatements(body.List) {
		return nil, errEmptyScript
	}
	if !hasReturn(body.List) {
		last := len(body.List) - 1
		if expression, ok := body.List[last].(*ast.ExpressionStatement); ok {
			body.List[last] = &ast.ReturnStatement{
				Return:   expression.Idx0(),
				Argument: expression.Expression,
			}
		}
	}
	return program, nil
}

func hasStatements(list []ast.Statement) bool {
	for _, stmt := range list {
		if _, empty := stmt.(*ast.EmptyStatement); !empty {
			return true
		}
	}
	return false
}

// hasReturn reports whether list contains a return statement of the
// enclosing function. Function literals nested in the list have their
// own returns and are not searched.
func hasReturn(list []ast.Statement) bool {
	for _, stmt := range list {
		if statementReturns(stmt) {
			return true
		}
	}
	return false
}

func statementReturns(stmt ast.Statement) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStatement:
		return true
	case *ast.BlockStatement:
		return hasReturn(s.List)
	case *ast.IfStatement:
		return statementReturns(s.Consequent) || (s.Alternate != nil && statementReturns(s.Alternate))
	case *ast.ForStatement:
		return statementReturns(s.Body)
	case *ast.ForInStatement:
		return statementReturns(s.Body)
	case *ast.ForOfStatement:
		return statementReturns(s.Body)
	case *ast.WhileStatement:
		return statementReturns(s.Body)
	case *ast.DoWhileStatement:
		return statementReturns(s.Body)
	case *ast.WithStatement:
		return statementReturns(s.Body)
	case *ast.LabelledStatement:
		return statementReturns(s.Statement)
	case *ast.SwitchStatement:
		for _, clause := range s.Body {
			if hasReturn(clause.Consequent) {
				return true
			}
		}
	case *ast.TryStatement:
		if hasReturn(s.Body.List) {
			return true
		}
		if s.Catch != nil && hasReturn(s.Catch.Body.List) {
			return true
		}
		return s.Finally != nil && hasReturn(s.Finally.List)
	}
	return false
}
