package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/query"
)

// Entry is a loaded descriptor together with its source metadata.
type Entry struct {
	Descriptor *query.Descriptor
	SourceFile string
	SourceHash string // hash of the file source for change detection
	LoadedAt   time.Time
	ModifiedAt time.Time
}

// Name returns the descriptor name.
func (e *Entry) Name() string { return e.Descriptor.Name }

// Registry maintains a collection of loaded descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry   // key: lowercase descriptor name
	byFile  map[string][]*Entry // key: source file path
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		byFile:  make(map[string][]*Entry),
	}
}

// Register adds an entry to the registry. Re-registering a name whose
// source changed replaces the old entry; registering the same source
// again is an error.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(e.Descriptor.Name)
	if existing, ok := r.entries[key]; ok {
		if existing.SourceHash == e.SourceHash && existing.SourceFile == e.SourceFile {
			return scerrors.Newf(scerrors.ErrCodeCatalogLoad,
				"descriptor already registered: %s", e.Descriptor.Name).
				WithOp("Registry.Register").
				WithField("descriptor", e.Descriptor.Name).
				Err()
		}
		r.removeLocked(existing)
	}

	r.entries[key] = e
	if e.SourceFile != "" {
		r.byFile[e.SourceFile] = append(r.byFile[e.SourceFile], e)
	}
	return nil
}

// Lookup finds an entry by descriptor name, case-insensitively.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[strings.ToLower(name)]; ok {
		return e, nil
	}
	return nil, scerrors.NotFound("descriptor", name).
		WithOp("Registry.Lookup").
		Err()
}

// Descriptor finds a descriptor by name.
func (r *Registry) Descriptor(name string) (*query.Descriptor, error) {
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Descriptor, nil
}

// LookupByFile returns all entries loaded from a source file.
func (r *Registry) LookupByFile(path string) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entries, ok := r.byFile[path]; ok && len(entries) > 0 {
		out := make([]*Entry, len(entries))
		copy(out, entries)
		return out, nil
	}
	return nil, scerrors.Newf(scerrors.ErrCodeNotFound,
		"no descriptor loaded from: %s", path).
		WithOp("Registry.LookupByFile").
		WithField("path", path).
		Err()
}

// Remove deletes an entry by descriptor name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strings.ToLower(name)]
	if !ok {
		return scerrors.NotFound("descriptor", name).
			WithOp("Registry.Remove").
			Err()
	}
	r.removeLocked(e)
	return nil
}

// RemoveFile deletes every entry loaded from a source file and
// returns the removed entries.
func (r *Registry) RemoveFile(path string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byFile[path]
	for _, e := range entries {
		delete(r.entries, strings.ToLower(e.Descriptor.Name))
	}
	delete(r.byFile, path)
	return entries
}

// removeLocked deletes one entry from both indexes. Caller holds the
// write lock.
func (r *Registry) removeLocked(e *Entry) {
	delete(r.entries, strings.ToLower(e.Descriptor.Name))
	if e.SourceFile == "" {
		return
	}
	kept := r.byFile[e.SourceFile][:0]
	for _, other := range r.byFile[e.SourceFile] {
		if other != e {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(r.byFile, e.SourceFile)
	} else {
		r.byFile[e.SourceFile] = kept
	}
}

// Names returns the registered descriptor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Descriptor.Name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Loader loads descriptor files.
type Loader struct {
	parser *Parser
	logger *log.Logger
}

// NewLoader creates a descriptor loader.
func NewLoader(logger *log.Logger) *Loader {
	return &Loader{
		parser: NewParser(),
		logger: logger,
	}
}

// LoadResult holds the result of loading a descriptor directory.
type LoadResult struct {
	Entries      []*Entry
	Errors       []LoadError
	TotalFiles   int
	SuccessCount int
	FailCount    int
}

// LoadError records a loading error with context.
type LoadError struct {
	Path    string
	Error   error
	Message string
}

// LoadDirectory loads every .sql file under root, recursively. File
// failures are collected per file rather than aborting the load.
func (l *Loader) LoadDirectory(root string) (*LoadResult, error) {
	result := &LoadResult{
		Entries: make([]*Entry, 0),
		Errors:  make([]LoadError, 0),
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeCatalogLoad,
			"descriptor directory not found").
			WithOp("Loader.LoadDirectory").
			WithField("path", root).
			Err()
	}
	if !info.IsDir() {
		return nil, scerrors.Newf(scerrors.ErrCodeCatalogLoad,
			"not a directory: %s", root).
			WithOp("Loader.LoadDirectory").
			Err()
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(path), ".sql") {
			return nil
		}

		result.TotalFiles++
		entries, err := l.LoadFile(path)
		if err != nil {
			result.FailCount++
			result.Errors = append(result.Errors, LoadError{
				Path:    path,
				Error:   err,
				Message: "failed to load descriptor file",
			})
			return nil
		}
		result.SuccessCount++
		result.Entries = append(result.Entries, entries...)
		return nil
	})
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeCatalogLoad,
			"failed to walk directory").
			WithOp("Loader.LoadDirectory").
			WithField("directory", root).
			Err()
	}

	l.logger.Catalog().Info("catalog load complete",
		"root", root,
		"files", result.TotalFiles,
		"descriptors", len(result.Entries),
		"errors", len(result.Errors),
	)

	return result, nil
}

// LoadFile loads all descriptors declared in a single file.
func (l *Loader) LoadFile(path string) ([]*Entry, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeCatalogLoad,
			"failed to read file").
			WithOp("Loader.LoadFile").
			WithField("path", path).
			Err()
	}

	descriptors, err := l.Parse(string(source), defaultName(path))
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.GetCode(err),
			"failed to parse descriptor file").
			WithOp("Loader.LoadFile").
			WithField("path", path).
			Err()
	}

	hash := computeHash(string(source))
	loadedAt := time.Now()
	var modifiedAt time.Time
	if info, err := os.Stat(path); err == nil {
		modifiedAt = info.ModTime()
	}

	entries := make([]*Entry, len(descriptors))
	for i, d := range descriptors {
		entries[i] = &Entry{
			Descriptor: d,
			SourceFile: path,
			SourceHash: hash,
			LoadedAt:   loadedAt,
			ModifiedAt: modifiedAt,
		}
	}

	l.logger.Catalog().Debug("descriptor file loaded",
		"path", path,
		"descriptors", len(entries),
	)

	return entries, nil
}

// Parse builds descriptors from annotated SQL source. fallbackName
// names a lone unnamed section, the way a file's base name names its
// single descriptor.
func (l *Loader) Parse(source, fallbackName string) ([]*query.Descriptor, error) {
	sections := l.parser.Extract(source)
	if len(sections) == 0 {
		return nil, scerrors.New(scerrors.ErrCodeCatalogParse,
			"no descriptor sections found in source").
			WithOp("Loader.Parse").
			Err()
	}

	descriptors := make([]*query.Descriptor, 0, len(sections))
	for i, sec := range sections {
		d, err := buildDescriptor(sec, fallbackName, len(sections) == 1)
		if err != nil {
			return nil, scerrors.Wrap(err, scerrors.GetCode(err),
				"descriptor section rejected").
				WithField("section", i+1).
				Err()
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// buildDescriptor turns one parsed section into a validated
// descriptor.
func buildDescriptor(sec Section, fallbackName string, lone bool) (*query.Descriptor, error) {
	name := sec.Directives.GetString("name", "")
	if name == "" {
		if !lone {
			return nil, scerrors.New(scerrors.ErrCodeCatalogParse,
				"every section of a multi-descriptor file needs a name directive").
				WithOp("buildDescriptor").
				Err()
		}
		name = fallbackName
	}

	var d *query.Descriptor
	kind := sec.Directives.GetString("kind", "statement")
	switch kind {
	case "statement":
		if sec.Text == "" {
			return nil, scerrors.Newf(scerrors.ErrCodeCatalogParse,
				"statement %s has no SQL text", name).
				WithOp("buildDescriptor").
				Err()
		}
		d = query.NewStatement(name, sec.Text, sec.Directives.GetList("args")...)
	case "procedure":
		sig := sec.Directives.GetString("signature", name)
		typeNames := sec.Directives.GetList("types")
		types := make([]param.ArgType, 0, len(typeNames))
		for _, tn := range typeNames {
			at, err := param.ParseArgType(tn)
			if err != nil {
				return nil, scerrors.Wrap(err, scerrors.ErrCodeCatalogParse,
					"bad types directive").
					WithField("descriptor", name).
					Err()
			}
			types = append(types, at)
		}
		d = query.NewProcedure(name, sig, types...)
	default:
		return nil, scerrors.Newf(scerrors.ErrCodeCatalogParse,
			"descriptor kind %q is unsupported", kind).
			WithOp("buildDescriptor").
			Err()
	}

	if conn := sec.Directives.GetString("connection", ""); conn != "" {
		d = d.WithConnection(conn)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// defaultName derives a descriptor name from a file path.
func defaultName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// computeHash hashes source text for change detection.
func computeHash(source string) string {
	h := sha256.New()
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
