package sandbox

import (
	"fmt"
	"slices"
	"strings"
)

// UIPackage is the import path of the helper package exposed to cells.
const UIPackage = "notebook/ui"

// DefaultAllowedImports are the packages a cell may import when the
// configuration does not name its own list. os, os/exec, net, syscall and
// unsafe are deliberately absent.
var DefaultAllowedImports = []string{
	"bytes",
	"container/heap",
	"container/list",
	"encoding/base64",
	"encoding/csv",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/big",
	"math/rand",
	"path",
	"path/filepath",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"text/tabwriter",
	"time",
	"unicode",
	"unicode/utf8",
	UIPackage,
}

// Policy decides which imports a cell may use.
type Policy struct {
	allowed map[string]bool
}

func NewPolicy(allowed []string) Policy {
	if len(allowed) == 0 {
		allowed = DefaultAllowedImports
	}

	policy := Policy{allowed: make(map[string]bool, len(allowed)+1)}
	for _, pkg := range allowed {
		policy.allowed[pkg] = true
	}
	policy.allowed[UIPackage] = true
	return policy
}

func (p Policy) Check(imports []string) error {
	var forbidden []string
	for _, pkg := range imports {
		if !p.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

func (p Policy) Allowed() []string {
	out := make([]string, 0, len(p.allowed))
	for pkg := range p.allowed {
		out = append(out, pkg)
	}
	slices.Sort(out)
	return out
}
