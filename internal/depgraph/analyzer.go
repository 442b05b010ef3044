// Package depgraph builds and analyzes the JS/TS import/export graph: a
// tree-sitter based analyzer extracts per-file dependency facts, and a set
// of classical graph algorithms (transitive reduction, SCC, topological
// leveling) turn those facts into an audit-ready summary.
package depgraph

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"golang.org/x/sync/errgroup"
)

var sourceExtensions = []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx"}

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true,
	".next": true, "out": true, "coverage": true,
}

// ExportKind classifies a single exported symbol.
type ExportKind string

const (
	ExportNamed    ExportKind = "named"
	ExportDefault  ExportKind = "default"
	ExportReexport ExportKind = "reexport"
	ExportType     ExportKind = "type"
	ExportAll      ExportKind = "all" // export * from ...
)

// ExportedSymbol is one symbol a file makes available to importers.
type ExportedSymbol struct {
	Name string
	Kind ExportKind
	From string // re-export source specifier, empty for local exports
}

// ImportKind classifies a single imported binding.
type ImportKind string

const (
	ImportNamed      ImportKind = "named"
	ImportDefault    ImportKind = "default"
	ImportNamespace  ImportKind = "namespace"
	ImportSideEffect ImportKind = "side_effect"
	ImportType       ImportKind = "type"
)

// ImportedSymbol is one binding a file pulls in from another module.
type ImportedSymbol struct {
	Name         string
	Kind         ImportKind
	Specifier    string // as written in source, e.g. "./foo" or "@/lib/bar"
	ResolvedPath string // on-disk path, or "" if external/unresolved
}

// FileFacts holds everything extracted from a single source file.
type FileFacts struct {
	Path    string
	Exports []ExportedSymbol
	Imports []ImportedSymbol
}

// DependencyContext is the full output of a directory walk.
type DependencyContext struct {
	Files       []FileFacts
	ParseErrors map[string]string // path -> error message; non-fatal
}

// Analyzer walks a project root and extracts dependency facts per file.
type Analyzer struct {
	root      string
	jsParser  *sitter.Parser
	tsParser  *sitter.Parser
	tsxParser *sitter.Parser
}

// NewAnalyzer creates an Analyzer rooted at root.
func NewAnalyzer(root string) *Analyzer {
	js := sitter.NewParser()
	js.SetLanguage(javascript.GetLanguage())
	ts := sitter.NewParser()
	ts.SetLanguage(typescript.GetLanguage())
	tsxP := sitter.NewParser()
	tsxP.SetLanguage(tsx.GetLanguage())
	return &Analyzer{root: root, jsParser: js, tsParser: ts, tsxParser: tsxP}
}

func (a *Analyzer) parserFor(path string) *sitter.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return a.tsxParser
	case ".ts":
		return a.tsParser
	default:
		return a.jsParser
	}
}

// Analyze walks the project root with bounded parallelism (errgroup),
// parsing every source file it finds. Per-file parse errors are recorded
// but never abort the walk.
func (a *Analyzer) Analyze(ctx context.Context) (*DependencyContext, error) {
	paths, err := a.collectPaths()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	ctxResult := &DependencyContext{ParseErrors: make(map[string]string)}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)

	for _, path := range paths {
		path := path
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			facts, err := a.analyzeFile(egCtx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ctxResult.ParseErrors[path] = err.Error()
				return nil
			}
			ctxResult.Files = append(ctxResult.Files, *facts)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return ctxResult, nil
}

func (a *Analyzer) collectPaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, se := range sourceExtensions {
			if ext == se {
				paths = append(paths, path)
				break
			}
		}
		return nil
	})
	return paths, err
}

func (a *Analyzer) analyzeFile(ctx context.Context, path string) (*FileFacts, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parser := a.parserFor(path)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	facts := &FileFacts{Path: path}
	walkImportsExports(tree.RootNode(), content, facts)

	dir := filepath.Dir(path)
	for i := range facts.Imports {
		facts.Imports[i].ResolvedPath = a.resolveSpecifier(dir, facts.Imports[i].Specifier)
	}
	return facts, nil
}

// walkImportsExports walks the AST recursively collecting import/export
// statements, the same node-type switch shape as the teacher's symbol
// extraction (class/function/interface cases omitted — the graph engine
// only needs import/export edges).
func walkImportsExports(n *sitter.Node, content []byte, facts *FileFacts) {
	getText := func(node *sitter.Node) string {
		return string(content[node.StartByte():node.EndByte()])
	}
	unquote := func(s string) string {
		return strings.Trim(s, `"'`+"`")
	}

	switch n.Type() {
	case "import_statement":
		handleImportStatement(n, getText, unquote, facts)
	case "export_statement":
		handleExportStatement(n, getText, unquote, facts)
	case "call_expression":
		handleRequireCall(n, getText, unquote, facts)
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		walkImportsExports(n.Child(i), content, facts)
	}
}

func handleImportStatement(n *sitter.Node, getText func(*sitter.Node) string, unquote func(string) string, facts *FileFacts) {
	sourceNode := n.ChildByFieldName("source")
	if sourceNode == nil {
		return
	}
	specifier := unquote(getText(sourceNode))
	isTypeOnly := false

	foundBinding := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "import_clause":
			isTypeOnly = hasTypeKeyword(child, getText)
			for j := 0; j < int(child.NamedChildCount()); j++ {
				part := child.NamedChild(j)
				switch part.Type() {
				case "identifier":
					kind := ImportDefault
					if isTypeOnly {
						kind = ImportType
					}
					facts.Imports = append(facts.Imports, ImportedSymbol{Name: getText(part), Kind: kind, Specifier: specifier})
					foundBinding = true
				case "namespace_import":
					name := lastNamedChildText(part, getText)
					facts.Imports = append(facts.Imports, ImportedSymbol{Name: name, Kind: ImportNamespace, Specifier: specifier})
					foundBinding = true
				case "named_imports":
					for k := 0; k < int(part.NamedChildCount()); k++ {
						spec := part.NamedChild(k)
						if spec.Type() != "import_specifier" {
							continue
						}
						name := getText(spec)
						kind := ImportNamed
						if isTypeOnly || strings.HasPrefix(strings.TrimSpace(name), "type ") {
							kind = ImportType
						}
						facts.Imports = append(facts.Imports, ImportedSymbol{Name: strings.TrimPrefix(strings.TrimSpace(name), "type "), Kind: kind, Specifier: specifier})
						foundBinding = true
					}
				}
			}
		}
	}
	if !foundBinding {
		facts.Imports = append(facts.Imports, ImportedSymbol{Kind: ImportSideEffect, Specifier: specifier})
	}
}

func hasTypeKeyword(n *sitter.Node, getText func(*sitter.Node) string) bool {
	text := getText(n)
	return strings.HasPrefix(strings.TrimSpace(text), "type ")
}

func lastNamedChildText(n *sitter.Node, getText func(*sitter.Node) string) string {
	if n.NamedChildCount() == 0 {
		return getText(n)
	}
	return getText(n.NamedChild(int(n.NamedChildCount()) - 1))
}

func handleExportStatement(n *sitter.Node, getText func(*sitter.Node) string, unquote func(string) string, facts *FileFacts) {
	sourceNode := n.ChildByFieldName("source")
	var from string
	if sourceNode != nil {
		from = unquote(getText(sourceNode))
	}

	isTypeOnly := hasTypeKeyword(n, getText)
	hasStar := false
	hasClause := false

	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "export_clause":
			hasClause = true
			for j := 0; j < int(child.NamedChildCount()); j++ {
				spec := child.NamedChild(j)
				if spec.Type() != "export_specifier" {
					continue
				}
				name := getText(spec)
				kind := ExportNamed
				if from != "" {
					kind = ExportReexport
				} else if isTypeOnly {
					kind = ExportType
				}
				facts.Exports = append(facts.Exports, ExportedSymbol{Name: name, Kind: kind, From: from})
			}
		case "namespace_export":
			hasStar = true
		case "function_declaration", "class_declaration", "interface_declaration":
			name := ""
			if nameNode := child.ChildByFieldName("name"); nameNode != nil {
				name = getText(nameNode)
			}
			kind := ExportNamed
			if isTypeOnly || child.Type() == "interface_declaration" {
				kind = ExportType
			}
			facts.Exports = append(facts.Exports, ExportedSymbol{Name: name, Kind: kind})
		case "lexical_declaration", "variable_declaration":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				decl := child.NamedChild(j)
				if decl.Type() != "variable_declarator" {
					continue
				}
				if nameNode := decl.ChildByFieldName("name"); nameNode != nil {
					expandDestructuring(nameNode, getText, facts)
				}
			}
		case "default":
			hasClause = true
			facts.Exports = append(facts.Exports, ExportedSymbol{Name: "default", Kind: ExportDefault})
		}
	}

	if hasStar {
		facts.Exports = append(facts.Exports, ExportedSymbol{Kind: ExportAll, From: from})
		hasClause = true
	}
	_ = hasClause
}

// expandDestructuring expands `export const { a, b: c } = ...` / array
// patterns to their individual bound identifiers, per spec §4.7.
func expandDestructuring(nameNode *sitter.Node, getText func(*sitter.Node) string, facts *FileFacts) {
	switch nameNode.Type() {
	case "identifier":
		facts.Exports = append(facts.Exports, ExportedSymbol{Name: getText(nameNode), Kind: ExportNamed})
	case "object_pattern":
		for i := 0; i < int(nameNode.NamedChildCount()); i++ {
			prop := nameNode.NamedChild(i)
			switch prop.Type() {
			case "shorthand_property_identifier_pattern":
				facts.Exports = append(facts.Exports, ExportedSymbol{Name: getText(prop), Kind: ExportNamed})
			case "pair_pattern":
				if valueNode := prop.ChildByFieldName("value"); valueNode != nil {
					expandDestructuring(valueNode, getText, facts)
				}
			}
		}
	case "array_pattern":
		for i := 0; i < int(nameNode.NamedChildCount()); i++ {
			expandDestructuring(nameNode.NamedChild(i), getText, facts)
		}
	}
}

// handleRequireCall recognizes CommonJS `require('./x')` as a namespace
// import, per spec §4.7.
func handleRequireCall(n *sitter.Node, getText func(*sitter.Node) string, unquote func(string) string, facts *FileFacts) {
	fn := n.ChildByFieldName("function")
	if fn == nil || getText(fn) != "require" {
		return
	}
	args := n.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return
	}
	arg := args.NamedChild(0)
	if arg.Type() != "string" {
		return
	}
	facts.Imports = append(facts.Imports, ImportedSymbol{Kind: ImportNamespace, Specifier: unquote(getText(arg))})
}

// resolveSpecifier resolves a relative specifier or the "@/" -> "src/"
// alias to an on-disk file, trying each supported extension and index
// files. External package specifiers resolve to "".
func (a *Analyzer) resolveSpecifier(fromDir, specifier string) string {
	var candidateBase string
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		candidateBase = filepath.Join(fromDir, specifier)
	case strings.HasPrefix(specifier, "@/"):
		candidateBase = filepath.Join(a.root, "src", strings.TrimPrefix(specifier, "@/"))
	default:
		return "" // external package
	}

	if resolved := tryResolve(candidateBase); resolved != "" {
		return resolved
	}
	return ""
}

func tryResolve(base string) string {
	if ext := filepath.Ext(base); ext != "" {
		for _, se := range sourceExtensions {
			if ext == se {
				if fileExists(base) {
					return base
				}
			}
		}
	}
	for _, se := range sourceExtensions {
		candidate := base + se
		if fileExists(candidate) {
			return candidate
		}
	}
	for _, se := range sourceExtensions {
		candidate := filepath.Join(base, "index"+se)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
