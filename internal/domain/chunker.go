package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// DefaultMaxChunkSize is the byte budget of one chunk.
const DefaultMaxChunkSize = 12000

// Chunker cuts source files into analysis units at declaration boundaries.
type Chunker interface {
	// ParseAndChunk returns the chunks of content. Unparseable content yields
	// no chunks and a *model.ParseFailure.
	ParseAndChunk(ctx context.Context, path m.Path, content []byte) ([]m.Chunk, error)
}

type chunker struct {
	syntax adapter.SyntaxAdapter
	budget int
}

// NewChunker constructs a Chunker. A non-positive maxChunkSize selects DefaultMaxChunkSize.
func NewChunker(syntax adapter.SyntaxAdapter, maxChunkSize int) Chunker {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	return &chunker{syntax: syntax, budget: maxChunkSize}
}

// HashText returns the hex SHA-256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// item is one top-level declaration with its leading comments.
type item struct {
	node  *sitter.Node
	kind  string
	start int
	end   int
}

func (c *chunker) ParseAndChunk(ctx context.Context, path m.Path, content []byte) ([]m.Chunk, error) {
	if !utf8.Valid(content) {
		return nil, &m.ParseFailure{Path: path, Reason: "invalid UTF-8"}
	}

	lang := c.syntax.Language(path)

	tree, err := c.syntax.Parse(ctx, lang, content)
	if err != nil {
		slog.Debug("failed to parse source", "path", path, "error", err)
		return nil, &m.ParseFailure{Path: path, Reason: "parser error", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &m.ParseFailure{Path: path, Reason: "parser error"}
	}

	if root.HasError() {
		return nil, &m.ParseFailure{Path: path, Reason: "syntax errors"}
	}

	b := &chunkBuilder{
		path:    path,
		lang:    lang,
		content: content,
		lines:   lineOffsets(content),
		budget:  c.budget,
	}

	items := topLevelItems(root, content)

	var group []item

	for _, it := range items {
		if it.end-it.start > c.budget {
			b.flush(group)
			group = nil

			b.split(it)

			continue
		}

		if len(group) > 0 && it.end-group[0].start > c.budget {
			b.flush(group)
			group = nil
		}

		group = append(group, it)
	}

	b.flush(group)

	return b.chunks, nil
}

func isComment(n *sitter.Node) bool {
	return strings.Contains(n.Type(), "comment")
}

// topLevelItems lists the named children of root, attaching comments to the
// declaration that follows them.
func topLevelItems(root *sitter.Node, content []byte) []item {
	var (
		items        []item
		pendingStart = -1
	)

	count := int(root.NamedChildCount())

	for i := 0; i < count; i++ {
		child := root.NamedChild(i)
		if child == nil {
			continue
		}

		start := lineStart(content, int(child.StartByte()))
		end := int(child.EndByte())

		if isComment(child) {
			if pendingStart < 0 {
				pendingStart = start
			}

			continue
		}

		if pendingStart >= 0 {
			start = pendingStart
			pendingStart = -1
		}

		items = append(items, item{node: child, kind: child.Type(), start: start, end: end})
	}

	if pendingStart >= 0 {
		items = append(items, item{kind: "comment", start: pendingStart, end: trimEnd(content, len(content))})
	}

	return items
}

// lineStart moves b back over indentation to the start of its line.
func lineStart(content []byte, b int) int {
	i := b
	for i > 0 && (content[i-1] == ' ' || content[i-1] == '\t') {
		i--
	}

	if i == 0 || content[i-1] == '\n' {
		return i
	}

	return b
}

func trimEnd(content []byte, end int) int {
	for end > 0 && (content[end-1] == '\n' || content[end-1] == '\r' || content[end-1] == ' ' || content[end-1] == '\t') {
		end--
	}

	return end
}

func lineOffsets(content []byte) []int {
	offsets := []int{0}

	for i, ch := range content {
		if ch == '\n' {
			offsets = append(offsets, i+1)
		}
	}

	return offsets
}

type chunkBuilder struct {
	path    m.Path
	lang    m.Language
	content []byte
	lines   []int
	budget  int
	chunks  []m.Chunk
}

// line returns the 1-based line containing byte offset b.
func (b *chunkBuilder) line(off int) int {
	return sort.Search(len(b.lines), func(i int) bool { return b.lines[i] > off })
}

func (b *chunkBuilder) emit(kind string, start, end int, mutate func(*m.Chunk)) {
	if end <= start {
		return
	}

	text := string(b.content[start:end])

	chunk := m.Chunk{
		Path:     b.path,
		Language: b.lang,
		Kind:     kind,
		Span: m.Span{
			StartLine: b.line(start),
			EndLine:   b.line(end - 1),
			StartByte: start,
			EndByte:   end,
		},
		Text: text,
		Hash: HashText(text),
	}

	chunk.ID = fmt.Sprintf("%s:%d-%d", b.path, chunk.Span.StartLine, chunk.Span.EndLine)

	if mutate != nil {
		mutate(&chunk)
	}

	b.chunks = append(b.chunks, chunk)
}

func (b *chunkBuilder) flush(group []item) {
	if len(group) == 0 {
		return
	}

	kind := group[0].kind
	if len(group) > 1 {
		kind = "group"
	}

	b.emit(kind, group[0].start, group[len(group)-1].end, nil)
}

// unwrap descends through decorator and export wrappers to the declaration
// they carry.
func unwrap(n *sitter.Node) *sitter.Node {
	for n != nil && n.ChildByFieldName("body") == nil {
		inner := n.ChildByFieldName("definition")
		if inner == nil {
			inner = n.ChildByFieldName("declaration")
		}

		if inner == nil {
			break
		}

		n = inner
	}

	return n
}

// statements returns the named statements of the declaration body, or nil
// when the declaration has no body to split.
func statements(n *sitter.Node) []*sitter.Node {
	n = unwrap(n)
	if n == nil {
		return nil
	}

	body := n.ChildByFieldName("body")
	if body == nil {
		return nil
	}

	if body.NamedChildCount() == 1 && body.NamedChild(0).Type() == "statement_list" {
		body = body.NamedChild(0)
	}

	count := int(body.NamedChildCount())
	out := make([]*sitter.Node, 0, count)

	for i := 0; i < count; i++ {
		if child := body.NamedChild(i); child != nil {
			out = append(out, child)
		}
	}

	return out
}

// split cuts an oversized declaration at statement boundaries. Each piece
// carries the declaration header; pieces that still exceed the budget are
// marked truncated.
func (b *chunkBuilder) split(it item) {
	stmts := statements(it.node)

	named := 0
	for _, s := range stmts {
		if !isComment(s) {
			named++
		}
	}

	if named < 2 {
		b.emit(it.kind, it.start, it.end, func(c *m.Chunk) { c.Truncated = true })
		return
	}

	header := b.header(it)

	// Cut points are the line starts of statements that begin a new piece.
	cuts := []int{it.start}
	pieceStart := it.start

	for i := 1; i < len(stmts); i++ {
		boundary := lineStart(b.content, int(stmts[i].StartByte()))
		if boundary <= pieceStart {
			continue
		}

		end := int(stmts[i].EndByte())
		if i == len(stmts)-1 {
			end = it.end
		}

		if end-pieceStart > b.budget {
			cuts = append(cuts, boundary)
			pieceStart = boundary
		}
	}

	for i, start := range cuts {
		end := it.end
		if i+1 < len(cuts) {
			end = trimEnd(b.content, cuts[i+1])
		}

		first := i == 0

		b.emit(it.kind, start, end, func(c *m.Chunk) {
			c.Partial = true
			c.Truncated = end-start > b.budget

			if !first {
				c.Header = header
			}
		})
	}
}

// header is the first line of the declaration, ignoring leading comments.
func (b *chunkBuilder) header(it item) string {
	start := int(unwrap(it.node).StartByte())
	end := start

	for end < len(b.content) && b.content[end] != '\n' {
		end++
	}

	return strings.TrimRight(string(b.content[start:end]), " \t\r{")
}
