package skills

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/logger"
)

// DefaultPattern selects skill documents inside the skills directory
const DefaultPattern = "*.md"

// ErrNotFound is returned by Get when no skill has the requested slug
var ErrNotFound = errors.New("skill not found")

// Store owns the skill index. Readers see an immutable snapshot that is
// swapped in only after a load has finished building it.
type Store struct {
	pattern string
	allow   []glob.Glob

	loadMu  sync.Mutex
	current atomic.Pointer[snapshot]
	lastDir string
	hasDir  bool
}

type snapshot struct {
	dir        string
	byName     map[string]*Skill
	ordered    []*Skill
	totalBytes int
}

// Option is a function that configures a Store
type Option func(*Store) error

// WithPattern sets the file pattern used to select skill documents. The
// pattern is matched against entries of the directory itself only.
func WithPattern(pattern string) Option {
	return func(s *Store) error {
		if pattern == "" {
			pattern = DefaultPattern
		}
		if strings.Contains(pattern, "/") || strings.Contains(pattern, "**") {
			return errors.Errorf("skill pattern %q must not descend into subdirectories", pattern)
		}
		if !doublestar.ValidatePattern(pattern) {
			return errors.Errorf("invalid skill pattern %q", pattern)
		}
		s.pattern = pattern
		return nil
	}
}

// WithAllowPatterns restricts loaded skills to slugs matching at least one
// of the given glob patterns. An empty list allows every skill.
func WithAllowPatterns(patterns ...string) Option {
	return func(s *Store) error {
		s.allow = s.allow[:0]
		for _, p := range patterns {
			if p == "" {
				continue
			}
			g, err := glob.Compile(p)
			if err != nil {
				return errors.Wrapf(err, "invalid skill allow pattern %q", p)
			}
			s.allow = append(s.allow, g)
		}
		return nil
	}
}

// NewStore creates an empty skill store
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{pattern: DefaultPattern}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.current.Store(&snapshot{byName: map[string]*Skill{}})
	return s, nil
}

// Load scans dir (non-recursively) for skill documents and replaces the
// index with the result. Files that cannot be read or are not valid UTF-8
// are logged and skipped. If dir itself cannot be read the previous index is
// kept and an error is returned.
func (s *Store) Load(ctx context.Context, dir string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.lastDir = dir
	s.hasDir = true

	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read skills directory %s", dir)
	}
	if !info.IsDir() {
		return errors.Errorf("skills path %s is not a directory", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), s.pattern)
	if err != nil {
		return errors.Wrapf(err, "failed to scan skills directory %s", dir)
	}
	sort.Strings(matches)

	next := &snapshot{
		dir:    dir,
		byName: make(map[string]*Skill, len(matches)),
	}
	var skipped *multierror.Error

	for _, match := range matches {
		filePath := filepath.Join(dir, filepath.FromSlash(match))
		skill, err := s.loadFile(filePath)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("file", filePath).Warn("skipping skill file")
			skipped = multierror.Append(skipped, err)
			continue
		}
		if skill == nil {
			continue
		}
		if _, exists := next.byName[skill.Name]; exists {
			continue
		}
		next.byName[skill.Name] = skill
		next.ordered = append(next.ordered, skill)
		next.totalBytes += skill.Size()
	}

	sort.Slice(next.ordered, func(i, j int) bool {
		return next.ordered[i].Name < next.ordered[j].Name
	})
	s.current.Store(next)

	entry := logger.G(ctx).WithFields(map[string]any{
		"dir":         dir,
		"count":       len(next.ordered),
		"total_bytes": next.totalBytes,
	})
	if skipped != nil {
		entry = entry.WithField("skipped", skipped.Len())
	}
	entry.Info("loaded skills")

	return nil
}

// Reload re-runs Load against the directory used by the last Load call
func (s *Store) Reload(ctx context.Context) error {
	s.loadMu.Lock()
	dir, ok := s.lastDir, s.hasDir
	s.loadMu.Unlock()

	if !ok {
		return errors.New("skills have not been loaded from any directory yet")
	}
	return s.Load(ctx, dir)
}

// loadFile reads and parses one document. It returns (nil, nil) for entries
// that are not eligible skills (directories, disallowed or malformed slugs).
func (s *Store) loadFile(filePath string) (*Skill, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat skill file")
	}
	if info.IsDir() {
		return nil, nil
	}

	base := path.Base(filepath.ToSlash(filePath))
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if !ValidName(name) {
		return nil, errors.Errorf("invalid skill name %q", name)
	}
	if !s.allowed(name) {
		return nil, nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill file")
	}
	if !utf8.Valid(content) {
		return nil, errors.New("skill file is not valid UTF-8")
	}

	skill := parseSkill(name, string(content))
	skill.Path = filePath
	return skill, nil
}

func (s *Store) allowed(name string) bool {
	if len(s.allow) == 0 {
		return true
	}
	for _, g := range s.allow {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Get returns a specific skill by slug
func (s *Store) Get(name string) (*Skill, error) {
	skill, ok := s.current.Load().byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "skill '%s'", name)
	}
	return skill, nil
}

// List returns all skills sorted by slug. The returned slice belongs to the
// caller; the skills themselves must not be modified.
func (s *Store) List() []*Skill {
	snap := s.current.Load()
	out := make([]*Skill, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Dir returns the directory of the current snapshot, or "" before any
// successful load.
func (s *Store) Dir() string {
	return s.current.Load().dir
}

// Stats returns the number of skills and their total content size.
func (s *Store) Stats() (count, totalBytes int) {
	snap := s.current.Load()
	return len(snap.ordered), snap.totalBytes
}
