package fsops

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
)

// SyntaxChecker validates a payload for one language. Checkers stay
// narrow; deep per-language analysis lives outside the core and plugs
// in through this interface.
type SyntaxChecker interface {
	Check(filename, content string) error
}

// CheckSyntax picks a checker from the file extension and runs it.
// Unknown extensions always pass.
func CheckSyntax(filename, content string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".go":
		return goChecker{}.Check(filename, content)
	case ".py":
		return pythonChecker{}.Check(filename, content)
	case ".json":
		return jsonChecker{}.Check(filename, content)
	default:
		return nil
	}
}

type goChecker struct{}

func (goChecker) Check(filename, content string) error {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, filename, content, parser.AllErrors); err != nil {
		return fmt.Errorf("go syntax: %w", err)
	}
	return nil
}

type jsonChecker struct{}

func (jsonChecker) Check(filename, content string) error {
	if !json.Valid([]byte(content)) {
		return fmt.Errorf("invalid JSON in %s", filename)
	}
	return nil
}

// pythonChecker is a structural check, not a full parser: balanced
// brackets outside strings, and no block introducer left without a body.
type pythonChecker struct{}

func (pythonChecker) Check(filename, content string) error {
	if err := checkBracketBalance(content); err != nil {
		return fmt.Errorf("python syntax in %s: %w", filename, err)
	}
	if err := checkBlockHeaders(content); err != nil {
		return fmt.Errorf("python syntax in %s: %w", filename, err)
	}
	return nil
}

func checkBracketBalance(content string) error {
	var stack []rune
	inString := rune(0)
	escaped := false
	for _, r := range content {
		if escaped {
			escaped = false
			continue
		}
		if inString != 0 {
			switch r {
			case '\\':
				escaped = true
			case inString:
				inString = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			inString = r
		case '#':
			// Comments run to end of line; cheap skip by treating the
			// newline as the closer.
			inString = '\n'
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 {
				return fmt.Errorf("unbalanced %q", r)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (open == '(' && r != ')') || (open == '[' && r != ']') || (open == '{' && r != '}') {
				return fmt.Errorf("mismatched %q", r)
			}
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

var blockHeaderRe = regexp.MustCompile(`^(def|class|if|elif|for|while|with|try|except|else|finally)\b`)

// checkBlockHeaders rejects def/class/if headers with no terminating colon
// (the classic truncated-generation failure).
func checkBlockHeaders(content string) error {
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !blockHeaderRe.MatchString(trimmed) {
			continue
		}
		// Headers that wrap inside brackets or continue with a
		// backslash are judged by the bracket checker instead.
		if bracketDelta(trimmed) != 0 || strings.HasSuffix(trimmed, `\`) {
			continue
		}
		body := strings.TrimSpace(stripComment(trimmed))
		if body == "" {
			continue
		}
		if !strings.HasSuffix(body, ":") && !strings.Contains(body, ": ") {
			return fmt.Errorf("line %d: block header missing colon: %q", i+1, trimmed)
		}
	}
	return nil
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx >= 0 {
		return line[:idx]
	}
	return line
}

func bracketDelta(line string) int {
	delta := 0
	for _, r := range line {
		switch r {
		case '(', '[', '{':
			delta++
		case ')', ']', '}':
			delta--
		}
	}
	return delta
}
