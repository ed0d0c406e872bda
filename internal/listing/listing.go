// Package listing builds directory listings and recursive name searches
// under the storage root.
package listing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/mediavault/internal/media"
	"github.com/fruitsalade/mediavault/internal/metrics"
	"github.com/fruitsalade/mediavault/internal/pathsafe"
)

// ErrNotFound is returned when the target is missing or not a directory.
var ErrNotFound = errors.New("directory not found")

// DefaultMaxResults caps a recursive search.
const DefaultMaxResults = 1000

// SortKey selects the listing order.
type SortKey string

const (
	SortName     SortKey = "name"     // case-insensitive ascending
	SortSize     SortKey = "size"     // ascending, directories first
	SortModified SortKey = "modified" // newest first
)

// ParseSortKey maps a query value to a SortKey. Unknown values sort by name.
func ParseSortKey(s string) SortKey {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case SortSize, SortModified:
		return k
	default:
		return SortName
	}
}

// Options controls a single List call.
type Options struct {
	Sort   SortKey
	Search string // case-insensitive substring of the name; recursive when set
}

// Entry describes one file or directory.
type Entry struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	IsDirectory  bool       `json:"is_directory"`
	Size         *int64     `json:"size,omitempty"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	MediaKind    media.Kind `json:"media_kind"`
}

// Listing is the result of List.
type Listing struct {
	Path      string  `json:"path"`
	Items     []Entry `json:"items"`
	Total     int     `json:"total"`
	Truncated bool    `json:"truncated"`
}

// Service lists directories below a resolver's root.
type Service struct {
	resolver   *pathsafe.Resolver
	maxResults int
}

// New creates a Service. maxResults <= 0 uses DefaultMaxResults.
func New(resolver *pathsafe.Resolver, maxResults int) *Service {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Service{resolver: resolver, maxResults: maxResults}
}

// List returns the children of absDir, or every match of opts.Search in
// the tree below it. absDir must come from the service's resolver.
func (s *Service) List(ctx context.Context, absDir string, opts Options) (*Listing, error) {
	start := time.Now()

	rel, ok := s.resolver.Rel(absDir)
	if !ok {
		return nil, &pathsafe.PathError{Kind: pathsafe.Traversal, Reason: "outside root"}
	}

	info, err := os.Stat(absDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotFound
	}

	query := strings.ToLower(strings.TrimSpace(opts.Search))
	var (
		items     []Entry
		truncated bool
	)
	if query == "" {
		items, err = s.children(ctx, absDir, rel)
	} else {
		items, truncated, err = s.search(ctx, absDir, rel, query)
	}
	if err != nil {
		return nil, err
	}

	sortEntries(items, ParseSortKey(string(opts.Sort)))
	metrics.RecordListing(query != "", time.Since(start))

	return &Listing{
		Path:      rel,
		Items:     items,
		Total:     len(items),
		Truncated: truncated,
	}, nil
}

func (s *Service) children(ctx context.Context, absDir, rel string) ([]Entry, error) {
	ents, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it, ok := s.entry(absDir, joinRel(rel, e.Name()), e); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// search walks breadth-first. Symlinked directories are never descended.
func (s *Service) search(ctx context.Context, absDir, rel, query string) ([]Entry, bool, error) {
	type node struct {
		abs string
		rel string
	}
	queue := []node{{abs: absDir, rel: rel}}
	hits := make([]Entry, 0, 64)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		ents, err := os.ReadDir(n.abs)
		if err != nil {
			// Unreadable subdirectories are skipped.
			continue
		}
		for _, e := range ents {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			name := e.Name()
			childRel := joinRel(n.rel, name)

			if strings.Contains(strings.ToLower(name), query) {
				if it, ok := s.entry(n.abs, childRel, e); ok {
					if len(hits) == s.maxResults {
						return hits, true, nil
					}
					hits = append(hits, it)
				}
			}
			if e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
				queue = append(queue, node{abs: filepath.Join(n.abs, name), rel: childRel})
			}
		}
	}
	return hits, false, nil
}

// entry stats one directory entry. Entries that cannot be stat'ed, or
// symlinks that leave the root, are skipped.
func (s *Service) entry(absDir, rel string, e fs.DirEntry) (Entry, bool) {
	var (
		info fs.FileInfo
		err  error
	)
	if e.Type()&fs.ModeSymlink != 0 {
		abs, rerr := s.resolver.Resolve(rel)
		if rerr != nil {
			return Entry{}, false
		}
		info, err = os.Stat(abs)
	} else {
		info, err = e.Info()
	}
	if err != nil {
		return Entry{}, false
	}

	mtime := info.ModTime()
	it := Entry{
		Name:         e.Name(),
		Path:         rel,
		IsDirectory:  info.IsDir(),
		ModifiedTime: &mtime,
		MediaKind:    media.None,
	}
	if !it.IsDirectory {
		size := info.Size()
		it.Size = &size
		it.MediaKind = media.KindOf(it.Name)
	}
	return it, true
}

func sortEntries(items []Entry, key SortKey) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch key {
		case SortSize:
			if sa, sb := sizeOf(a), sizeOf(b); sa != sb {
				return sa < sb
			}
		case SortModified:
			if ta, tb := modOf(a), modOf(b); !ta.Equal(tb) {
				return ta.After(tb)
			}
		}
		return nameLess(a, b)
	})
}

func nameLess(a, b Entry) bool {
	la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
	if la != lb {
		return la < lb
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Path < b.Path
}

// sizeOf puts directories before every file, including empty ones.
func sizeOf(e Entry) int64 {
	if e.IsDirectory || e.Size == nil {
		return -1
	}
	return *e.Size
}

func modOf(e Entry) time.Time {
	if e.ModifiedTime == nil {
		return time.Time{}
	}
	return *e.ModifiedTime
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
