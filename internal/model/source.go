package model

// Path represents a file system path.
type Path string

// Language identifies the grammar used to parse a source file.
type Language string

// Supported languages.
const (
	LanguageRust       Language = "rust"
	LanguageGo         Language = "go"
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguageUnknown    Language = ""
)

// File represents a source code file discovered during a walk.
type File struct {
	FullPath  Path
	ShortPath Path
	Size      int64
	Hash      string
}

// SourceUnit is a single file owned by one scan pass. The raw bytes are
// dropped once chunks have been extracted.
type SourceUnit struct {
	File     File
	Language Language
	Content  []byte
	Chunks   []Chunk
}

// Span locates a chunk inside its file. Lines are 1-based and inclusive.
type Span struct {
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
}

// Chunk is a bounded analysis unit cut at a declaration boundary.
type Chunk struct {
	ID             string
	Path           Path
	Language       Language
	Kind           string
	Span           Span
	Text           string
	Header         string // declaration header repeated in front of partial pieces
	Hash           string
	Partial        bool // piece of a declaration split at statement boundaries
	Truncated      bool // oversized and could not be split safely
	StaticFindings []Finding
}

// HasStaticHits reports whether the static pre-filter tagged this chunk.
func (c Chunk) HasStaticHits() bool {
	return len(c.StaticFindings) > 0
}

// MaxStaticSeverity returns the highest static severity on the chunk.
func (c Chunk) MaxStaticSeverity() Severity {
	return MaxSeverity(c.StaticFindings)
}
