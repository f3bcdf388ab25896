package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/updater"
)

// FormatVersion is the version of the migration file format written by
// WriteMigrationFile.
const FormatVersion = "1.0"

// FileExt is the extension of migration files.
const FileExt = ".json"

// File is the on-disk form of a migration.
type File struct {
	FormatVersion string   `json:"formatVersion"`
	Migration     FileBody `json:"migration"`
}

// FileBody holds the migration itself.
type FileBody struct {
	Name         string        `json:"name"`
	Dependencies []string      `json:"dependencies"`
	Policy       string        `json:"policy"`
	Actions      []action.Spec `json:"actions"`
}

const fileJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["migration"],
  "properties": {
    "formatVersion": {"type": "string"},
    "migration": {
      "type": "object",
      "required": ["actions"],
      "properties": {
        "name": {"type": "string"},
        "dependencies": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}},
        "policy": {"enum": ["", "strict", "relaxed"]},
        "actions": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["action", "document_type"],
            "properties": {
              "action": {"type": "string", "minLength": 1},
              "document_type": {"type": "string", "minLength": 1},
              "field_name": {"type": "string"},
              "index_name": {"type": "string"},
              "dummy_action": {"type": "boolean"},
              "parameters": {"type": ["object", "null"]}
            }
          }
        }
      }
    }
  }
}`

var (
	fileValidatorOnce sync.Once
	fileValidator     *jsonschema.Schema
	fileValidatorErr  error
)

func migrationFileValidator() (*jsonschema.Schema, error) {
	fileValidatorOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("migration.json", strings.NewReader(fileJSONSchema)); err != nil {
			fileValidatorErr = err
			return
		}
		fileValidator, fileValidatorErr = compiler.Compile("migration.json")
	})
	return fileValidator, fileValidatorErr
}

// NewFile builds the on-disk form of m.
func NewFile(m *Migration) *File {
	deps := m.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return &File{
		FormatVersion: FormatVersion,
		Migration: FileBody{
			Name:         m.Name,
			Dependencies: deps,
			Policy:       string(m.policy()),
			Actions:      m.Specs(),
		},
	}
}

// Decode parses and validates a migration file. name is the migration
// name derived from the file name.
func Decode(name string, data []byte) (*Migration, error) {
	v, err := migrationFileValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile migration file schema: %w", err)
	}

	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse migration file: %w", err)
	}
	if err := v.Validate(raw); err != nil {
		return nil, err
	}

	var f File
	dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode migration file: %w", err)
	}

	// Files without a version predate versioning
	if f.FormatVersion == "" {
		f.FormatVersion = FormatVersion
	}
	if f.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported migration format version: %s", f.FormatVersion)
	}
	if f.Migration.Name != "" && f.Migration.Name != name {
		return nil, fmt.Errorf("migration name %q does not match file name %q", f.Migration.Name, name)
	}

	policy, err := updater.ParsePolicy(f.Migration.Policy)
	if err != nil {
		return nil, err
	}

	m := &Migration{
		Name:         name,
		Dependencies: f.Migration.Dependencies,
		Policy:       policy,
	}
	for i, spec := range f.Migration.Actions {
		a, err := action.FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		m.Actions = append(m.Actions, a)
	}
	return m, nil
}

// ReadMigrationFile reads a migration from a JSON file. The migration is
// named after the file.
func ReadMigrationFile(path string) (*Migration, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, docerr.InvalidFile(path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), FileExt)
	m, err := Decode(name, data)
	if err != nil {
		return nil, docerr.InvalidFile(path, err)
	}
	return m, nil
}

// ListMigrationFiles reads every migration file of dir, sorted by name.
// Hidden files and files starting with "__" are skipped. A broken file
// fails the whole listing.
func ListMigrationFiles(dir string) ([]*Migration, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory path cannot be empty")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, docerr.Migration("directory %q does not exist", dir)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != FileExt {
			continue
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	migrations := make([]*Migration, 0, len(names))
	for _, name := range names {
		m, err := ReadMigrationFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// ReadGraph builds and verifies the graph of the migration files in dir
// without consulting any database.
func ReadGraph(dir string) (*Graph, error) {
	migrations, err := ListMigrationFiles(dir)
	if err != nil {
		return nil, err
	}
	g := NewGraph()
	for _, m := range migrations {
		g.Add(m)
	}
	if g.Len() == 0 {
		return g, nil
	}
	if err := g.Verify(); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteMigrationFile writes m to <dir>/<name>.json and returns the path.
func WriteMigrationFile(m *Migration, dir string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("migration cannot be nil")
	}
	if m.Name == "" {
		return "", fmt.Errorf("migration name cannot be empty")
	}
	if dir == "" {
		return "", fmt.Errorf("directory path cannot be empty")
	}

	path := filepath.Join(dir, m.Name+FileExt)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("migration file %s already exists", path)
	}

	data, err := json.MarshalIndent(NewFile(m), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal migration: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// AutoName returns the name of the next generated migration:
// "<seq>_auto_<YYYYmmdd_HHMM>", seq being the zero padded number of
// existing migrations.
func AutoName(existing int, now time.Time) string {
	return fmt.Sprintf("%04d_auto_%s", existing, now.Format("20060102_1504"))
}

// InitMigrationDirectory creates the migrations directory if it does not
// exist and warns when it is world-writable.
func InitMigrationDirectory(dir string, logger *zap.Logger) error {
	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0002 != 0 {
		logger.Warn("migrations directory is world-writable",
			zap.String("dir", dir), zap.Stringer("mode", mode))
	}
	return nil
}

var (
	registeredMu sync.Mutex
	registered   = map[string]*Migration{}
)

// Register adds a migration defined in Go code. Registered migrations
// join the ones read from the migrations directory; a file with the
// same name takes precedence.
func Register(m *Migration) {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	registered[m.Name] = m
}

// Registered returns the migrations added with Register, sorted by name.
func Registered() []*Migration {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	out := make([]*Migration, 0, len(registered))
	for _, m := range registered {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
