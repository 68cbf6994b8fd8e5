package ids

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/types"
)

// Filter 基于CEL表达式的告警过滤器，表达式为空时放行所有告警
type Filter struct {
	expression string
	program    cel.Program
}

// NewFilter 编译过滤表达式，表达式必须返回bool
func NewFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("alert.server", decls.String),
			decls.NewVar("alert.category", decls.String),
			decls.NewVar("alert.sensor", decls.String),
			decls.NewVar("alert.date", decls.String),
			decls.NewVar("alert.signature", decls.String),
			decls.NewVar("alert.src_ip", decls.String),
			decls.NewVar("alert.dst_ip", decls.String),
			decls.NewVar("alert.proto", decls.String),
			decls.NewVar("alert.src_port", decls.String),
			decls.NewVar("alert.dst_port", decls.String),
			decls.NewVar("alert.pid", decls.String),
			decls.NewVar("alert.sid", decls.String),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %w", err)
	}

	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile filter %q failed: %w", expression, iss.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must return bool, got %v", expression, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create filter program failed: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

// Expression 原始表达式
func (f *Filter) Expression() string {
	return f.expression
}

// Allow 判断告警是否需要处理，求值出错时放行
func (f *Filter) Allow(alert *types.IdsAlert) bool {
	if f == nil || f.program == nil {
		return true
	}

	result, _, err := f.program.Eval(alert.Vars())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"filter": f.expression,
			"sid":    alert.Sid,
		}).Errorf("Filter evaluation failed: %v", err)
		return true
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return true
	}
	return allowed
}
