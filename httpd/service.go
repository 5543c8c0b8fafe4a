// Package httpd binds HTTP verbs to the file system engine under the /ds3/
// prefix: GET reads files and lists directories, PUT creates the path and
// writes the file, DELETE unlinks. Every mutating request runs inside one
// block-device transaction, so a failed PUT or DELETE leaves the image
// exactly as it was.
package httpd

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/disk"
	"github.com/dargueta/ufs/fs"
	"github.com/dargueta/ufs/layout"
)

// Prefix is the URL prefix the service is mounted under.
const Prefix = "/ds3/"

// Service serves one disk image. It is not safe for concurrent use; the
// image supports a single client at a time.
type Service struct {
	fsys *fs.FileSystem
	dev  *disk.Disk
}

// New builds a service over an already-formatted image. The device is needed
// alongside the engine because the service owns transaction bracketing.
func New(fsys *fs.FileSystem, dev *disk.Disk) *Service {
	return &Service{fsys: fsys, dev: dev}
}

// Handler returns an http.Handler with the service mounted at Prefix.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Prefix, s)
	return mux
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, Prefix) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.get(w, r)
	case http.MethodPut:
		s.put(w, r)
	case http.MethodDelete:
		s.del(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// pathComponents splits the request path below Prefix. Empty components from
// doubled or trailing slashes are dropped.
func pathComponents(r *http.Request) []string {
	trimmed := strings.TrimPrefix(r.URL.Path, Prefix)
	var components []string
	for _, c := range strings.Split(trimmed, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// walk resolves a component list starting at the root.
func (s *Service) walk(components []string) (int, error) {
	current := layout.RootInode
	for _, name := range components {
		next, err := s.fsys.Lookup(current, name)
		if err != nil {
			return 0, err
		}
		current = next
	}
	return current, nil
}

// get returns a file's raw bytes, or a directory listing: the entries after
// "." and ".." in lexicographic order, one per line, directories suffixed
// with "/".
func (s *Service) get(w http.ResponseWriter, r *http.Request) {
	target, err := s.walk(pathComponents(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ino, err := s.fsys.Stat(target)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if ino.Type != layout.Directory {
		buf := make([]byte, ino.Size)
		if _, err := s.fsys.Read(target, buf, int(ino.Size)); err != nil {
			s.writeError(w, err)
			return
		}
		w.Write(buf)
		return
	}

	entries, err := s.fsys.ReadDir(target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(entries) >= 2 {
		entries = entries[2:]
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntryName() < entries[j].EntryName()
	})

	var out strings.Builder
	for i := range entries {
		child, err := s.fsys.Stat(int(entries[i].Inum))
		if err != nil {
			s.writeError(w, err)
			return
		}
		out.WriteString(entries[i].EntryName())
		if child.Type == layout.Directory {
			out.WriteString("/")
		}
		out.WriteString("\n")
	}
	io.WriteString(w, out.String())
}

// put creates every intermediate path component as a directory, the last as a
// regular file, and writes the request body into it — all in one transaction.
func (s *Service) put(w http.ResponseWriter, r *http.Request) {
	components := pathComponents(r)
	if len(components) == 0 {
		http.Error(w, "can't PUT the file system root", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.dev.BeginTransaction(); err != nil {
		s.writeError(w, err)
		return
	}

	err = func() error {
		parent := layout.RootInode
		for _, name := range components[:len(components)-1] {
			child, err := s.fsys.Create(parent, layout.Directory, name)
			if err != nil {
				return err
			}
			parent = child
		}

		leaf, err := s.fsys.Create(
			parent, layout.RegularFile, components[len(components)-1])
		if err != nil {
			return err
		}
		_, err = s.fsys.Write(leaf, body)
		return err
	}()

	if err != nil {
		s.dev.Rollback()
		s.writeError(w, err)
		return
	}
	if err := s.dev.Commit(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// del unlinks the last path component from its parent. Deleting a last
// component that doesn't exist succeeds: DELETE is idempotent. A parent path
// that doesn't resolve answers 404.
func (s *Service) del(w http.ResponseWriter, r *http.Request) {
	components := pathComponents(r)
	if len(components) == 0 {
		http.Error(w, "can't DELETE the file system root", http.StatusBadRequest)
		return
	}

	parent, err := s.walk(components[:len(components)-1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.dev.BeginTransaction(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.fsys.Unlink(parent, components[len(components)-1]); err != nil {
		s.dev.Rollback()
		s.writeError(w, err)
		return
	}
	if err := s.dev.Commit(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeError translates engine error kinds into HTTP statuses.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ufs.ErrNotFound), errors.Is(err, ufs.ErrInvalidInode):
		status = http.StatusNotFound
	case errors.Is(err, ufs.ErrInvalidType):
		status = http.StatusConflict
	case errors.Is(err, ufs.ErrInvalidName),
		errors.Is(err, ufs.ErrInvalidSize),
		errors.Is(err, ufs.ErrDirectoryNotEmpty),
		errors.Is(err, ufs.ErrUnlinkNotAllowed):
		status = http.StatusBadRequest
	case errors.Is(err, ufs.ErrNoSpaceOnDevice):
		status = http.StatusInsufficientStorage
	}
	http.Error(w, err.Error(), status)
}
