package process

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"mailpipe/pkg/models"
)

// JunkFilter decides whether a record should be rejected instead of
// delivered. The rule is a CEL expression over the message fields,
// compiled once at startup; an empty rule accepts everything.
type JunkFilter struct {
	program cel.Program
}

func NewJunkFilter(rule string) (*JunkFilter, error) {
	if strings.TrimSpace(rule) == "" {
		return &JunkFilter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("has_attachments", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile junk rule: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("junk rule must return bool, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &JunkFilter{program: program}, nil
}

// IsJunk returns true when the rule matches the message.
func (f *JunkFilter) IsJunk(ctx context.Context, msg *models.SourceMessage) (bool, error) {
	if f.program == nil {
		return false, nil
	}

	vars := map[string]interface{}{
		"sender":          strings.ToLower(msg.From.EmailAddress.Address),
		"subject":         msg.Subject,
		"has_attachments": msg.HasAttachments,
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate junk rule: %w", err)
	}

	junk, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("junk rule did not return bool, got %T", result.Value())
	}
	return junk, nil
}
