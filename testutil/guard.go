// Package testutil holds test helpers that keep package layering honest.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Rule names a class of imports a package must not use directly.
type Rule struct {
	Name  string
	Match func(importPath string) bool
}

// Under matches any import at or below one of the given module paths.
func Under(paths ...string) func(string) bool {
	return func(ip string) bool {
		for _, p := range paths {
			if ip == p || strings.HasPrefix(ip, p+"/") {
				return true
			}
		}
		return false
	}
}

// NoInfra forbids the concrete storage and transport drivers.
var NoInfra = Rule{Name: "concrete drivers live behind internal/layers and internal/blob", Match: Under("spacesync/internal/infra")}

// NoInternal forbids every internal package; public packages use it.
var NoInternal = Rule{Name: "public packages must not reach into internal/", Match: func(ip string) bool {
	return strings.Contains(ip, "/internal/") || strings.HasSuffix(ip, "/internal")
}}

// CheckImports parses the non-test Go files in dir and fails t once, listing
// every import that breaks one of rules. Build tags are not evaluated.
func CheckImports(t testing.TB, dir string, rules ...Rule) {
	t.Helper()
	found, err := scan(dir, rules)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	if len(found) > 0 {
		t.Fatalf("import rules broken in %s:\n%s", dir, strings.Join(found, "\n"))
	}
}

func scan(dir string, rules []Rule) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var found []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			for _, r := range rules {
				if r.Match(ip) {
					found = append(found, fmt.Sprintf("%s: %s (%s)", name, ip, r.Name))
				}
			}
		}
	}
	sort.Strings(found)
	return found, nil
}
