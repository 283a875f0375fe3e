package adapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ErrUnsupportedLanguage is returned when no grammar is registered for a language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// SyntaxAdapter builds concrete syntax trees with tree-sitter so the domain
// layer can cut chunks at declaration boundaries without knowing grammar setup.
type SyntaxAdapter interface {
	// Language detects the language of a file from its extension.
	Language(path m.Path) m.Language

	// Parse builds a syntax tree. The caller owns the tree and must Close it.
	Parse(ctx context.Context, lang m.Language, content []byte) (*sitter.Tree, error)
}

// TreeSitterAdapter is the SyntaxAdapter backed by smacker/go-tree-sitter.
type TreeSitterAdapter struct{}

// NewTreeSitterAdapter constructs a TreeSitterAdapter.
func NewTreeSitterAdapter() *TreeSitterAdapter {
	return &TreeSitterAdapter{}
}

var extensionLanguages = map[string]m.Language{
	".rs":  m.LanguageRust,
	".go":  m.LanguageGo,
	".py":  m.LanguagePython,
	".js":  m.LanguageJavaScript,
	".mjs": m.LanguageJavaScript,
	".cjs": m.LanguageJavaScript,
	".ts":  m.LanguageTypeScript,
}

// Language maps a file extension to a supported language.
func (a *TreeSitterAdapter) Language(path m.Path) m.Language {
	ext := strings.ToLower(filepath.Ext(string(path)))
	if strings.HasSuffix(strings.ToLower(string(path)), ".d.ts") {
		return m.LanguageUnknown
	}

	return extensionLanguages[ext]
}

// Parse parses content with the grammar registered for lang. A new parser is
// created per call so the adapter is safe for concurrent use.
func (a *TreeSitterAdapter) Parse(ctx context.Context, lang m.Language, content []byte) (*sitter.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}

	grammar := grammarFor(lang)
	if grammar == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	parser := sitter.NewParser()
	defer parser.Close()

	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	if tree == nil {
		return nil, errors.New("tree-sitter returned no tree")
	}

	return tree, nil
}

func grammarFor(lang m.Language) *sitter.Language {
	switch lang {
	case m.LanguageRust:
		return rust.GetLanguage()
	case m.LanguageGo:
		return golang.GetLanguage()
	case m.LanguagePython:
		return python.GetLanguage()
	case m.LanguageJavaScript:
		return javascript.GetLanguage()
	case m.LanguageTypeScript:
		return typescript.GetLanguage()
	default:
		return nil
	}
}
