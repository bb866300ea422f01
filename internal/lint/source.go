package lint

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// forbiddenImports are packages a skill has no business importing: the
// gateway brokers process, network, and HTTP access.
var forbiddenImports = map[string]string{
	"os/exec":   "spawning processes",
	"net":       "raw network access",
	"net/http":  "direct HTTP access",
	"net/rpc":   "raw network access",
	"syscall":   "raw syscalls",
	"unsafe":    "unsafe memory access",
	"io/ioutil": "direct filesystem access",
}

// envFuncs are os functions that read or mutate the ambient environment.
var envFuncs = map[string]bool{
	"Getenv":    true,
	"LookupEnv": true,
	"Environ":   true,
	"Setenv":    true,
}

// toolCallNames are the call names the scanner treats as tool invocations
// when their first argument is a string literal.
var toolCallNames = map[string]bool{
	"Tool":     true,
	"CallTool": true,
	"UseTool":  true,
}

// lintGoSource applies the source rules to same-runtime packages: walk the
// trik's .go files and flag capability violations. Foreign-runtime packages
// (node, python) are skipped; their source is opaque to this gateway.
func lintGoSource(r *reporter, dir string, m *manifest.Manifest) {
	if m.Runtime() != manifest.HostRuntime {
		return
	}

	declared := make(map[string]bool, len(m.Capabilities.Tools))
	for _, tool := range m.Capabilities.Tools {
		declared[tool] = true
	}

	fset := token.NewFileSet()
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path == dir {
				return nil
			}
			name := info.Name()
			if name == "vendor" || name == "testdata" || name == "node_modules" ||
				strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		f, parseErr := parser.ParseFile(fset, path, nil, 0)
		if parseErr != nil {
			// Unparseable source is not lintable; the compiler will say more.
			return nil
		}
		lintGoFile(r, fset, f, relTo(dir, path), declared)
		return nil
	})
}

func lintGoFile(r *reporter, fset *token.FileSet, f *ast.File, file string, declaredTools map[string]bool) {
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		pos := fset.Position(imp.Pos())
		if reason, ok := forbiddenImports[path]; ok {
			r.add(Diagnostic{
				Rule:     RuleForbiddenImport,
				Severity: SeverityError,
				Message:  fmt.Sprintf("import %q (%s)", path, reason),
				File:     file,
				Line:     pos.Line,
				Column:   pos.Column,
			})
		}
		if path == "plugin" {
			r.add(Diagnostic{
				Rule:     RuleDynamicExecution,
				Severity: SeverityError,
				Message:  `import "plugin" loads code at runtime`,
				File:     file,
				Line:     pos.Line,
				Column:   pos.Column,
			})
		}
	}

	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pos := fset.Position(call.Pos())

		if recv, ok := sel.X.(*ast.Ident); ok && recv.Name == "os" && envFuncs[sel.Sel.Name] {
			r.add(Diagnostic{
				Rule:     RuleEnvAccess,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("direct environment access via os.%s; declare configuration keys in the manifest instead", sel.Sel.Name),
				File:     file,
				Line:     pos.Line,
				Column:   pos.Column,
			})
		}

		if toolCallNames[sel.Sel.Name] && len(call.Args) > 0 {
			if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
				name, err := strconv.Unquote(lit.Value)
				if err == nil && !declaredTools[name] {
					r.add(Diagnostic{
						Rule:     RuleUndeclaredTool,
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("tool %q is not declared in capabilities.tools", name),
						File:     file,
						Line:     pos.Line,
						Column:   pos.Column,
					})
				}
			}
		}
		return true
	})
}
