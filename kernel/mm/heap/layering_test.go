package heap

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// TestDependencyDirection ensures that the lower layers of the memory
// subsystem never depend on the heap and that the heap only reaches them
// through the mm interfaces.
func TestDependencyDirection(t *testing.T) {
	specs := []struct {
		dir       string
		forbidden []string
	}{
		{"../pmm", []string{"kmem/kernel/mm/heap", "kmem/kernel/mm/vmm"}},
		{"../vmm", []string{"kmem/kernel/mm/heap"}},
		{".", []string{"kmem/kernel/mm/pmm", "kmem/kernel/mm/vmm"}},
	}

	for specIndex, spec := range specs {
		files, err := filepath.Glob(filepath.Join(spec.dir, "*.go"))
		if err != nil {
			t.Fatal(err)
		}
		if len(files) == 0 {
			t.Fatalf("[spec %d] no source files found in %s", specIndex, spec.dir)
		}

		for _, file := range files {
			if strings.HasSuffix(file, "_test.go") {
				continue
			}

			f, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ImportsOnly)
			if err != nil {
				t.Fatalf("[spec %d] %v", specIndex, err)
			}

			for _, imp := range f.Imports {
				path, _ := strconv.Unquote(imp.Path.Value)
				for _, forbidden := range spec.forbidden {
					if path == forbidden {
						t.Errorf("[spec %d] %s must not import %s", specIndex, file, path)
					}
				}
			}
		}
	}
}
