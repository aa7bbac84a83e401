// Package shelving places rendered artifacts into the results tree. Jobs
// keep their own artifact copies; shelving copies, never moves, so a
// shelved file can be regenerated from the job for as long as the job
// exists.
package shelving

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/scrivohq/scrivo/internal/models"
)

// inboxDir is where zettelkasten placement sends artifacts no tag route
// claims.
const inboxDir = "Inbox"

// Shelver copies artifacts into the results tree.
type Shelver struct {
	resultsRoot string
}

// New creates a Shelver rooted at the results directory.
func New(resultsRoot string) *Shelver {
	return &Shelver{resultsRoot: resultsRoot}
}

// Request describes one job's artifacts to place.
type Request struct {
	Policy    models.ShelvePolicy
	JobID     string
	Title     string
	Date      time.Time
	Tags      []string
	Artifacts []string // absolute paths of rendered artifacts
}

// Placement records where one artifact landed.
type Placement struct {
	Source    string `json:"source"`
	Dest      string `json:"dest"`
	Digest    string `json:"digest"`
	Unchanged bool   `json:"unchanged,omitempty"` // identical file already there
}

// Shelve copies every artifact to its destination. Re-running is
// idempotent: a destination holding byte-identical content is left alone,
// and a name collision with different content gets a numeric suffix
// instead of clobbering the existing file.
func (s *Shelver) Shelve(req Request) ([]Placement, error) {
	destDir, err := s.destDir(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("creating results dir %s: %w", destDir, err)
	}

	placements := make([]Placement, 0, len(req.Artifacts))
	for _, src := range req.Artifacts {
		p, err := s.place(req, destDir, src)
		if err != nil {
			return placements, err
		}
		placements = append(placements, p)
	}
	return placements, nil
}

// destDir resolves the directory for a request's strategy.
func (s *Shelver) destDir(req Request) (string, error) {
	switch req.Policy.Strategy {
	case "timeline", "":
		return filepath.Join(s.resultsRoot, req.Date.Format("2006"), req.Date.Format("01"), req.Date.Format("02"), req.JobID), nil
	case "flat":
		return s.resultsRoot, nil
	case "zettelkasten":
		return filepath.Join(s.resultsRoot, s.routeForTags(req.Policy.TagRoutes, req.Tags)), nil
	default:
		return "", fmt.Errorf("unknown shelve strategy %q", req.Policy.Strategy)
	}
}

// routeForTags returns the subdirectory for the first tag with a route,
// falling back to the inbox.
func (s *Shelver) routeForTags(routes map[string]string, tags []string) string {
	for _, tag := range tags {
		if dir, ok := routes[tag]; ok && dir != "" {
			return dir
		}
	}
	return inboxDir
}

// place copies one artifact, handling idempotence and collisions.
func (s *Shelver) place(req Request, destDir, src string) (Placement, error) {
	digest, err := digestFile(src)
	if os.IsNotExist(err) {
		// The job's copy was pruned after an earlier successful shelve.
		// An intact destination counts as the placement.
		dest := filepath.Join(destDir, s.destName(req, src))
		existing, destErr := digestFile(dest)
		if destErr != nil {
			return Placement{}, fmt.Errorf("hashing artifact %s: %w", src, err)
		}
		return Placement{Source: src, Dest: dest, Digest: existing, Unchanged: true}, nil
	}
	if err != nil {
		return Placement{}, fmt.Errorf("hashing artifact %s: %w", src, err)
	}

	name := s.destName(req, src)
	for attempt := 0; ; attempt++ {
		candidate := name
		if attempt > 0 {
			ext := filepath.Ext(name)
			candidate = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), attempt, ext)
		}
		dest := filepath.Join(destDir, candidate)

		existing, err := digestFile(dest)
		switch {
		case os.IsNotExist(err):
			if err := copyFile(src, dest); err != nil {
				return Placement{}, err
			}
			return Placement{Source: src, Dest: dest, Digest: digest}, nil
		case err != nil:
			return Placement{}, fmt.Errorf("hashing existing file %s: %w", dest, err)
		case existing == digest:
			return Placement{Source: src, Dest: dest, Digest: digest, Unchanged: true}, nil
		}
		// Same name, different content: try the next suffix.
	}
}

// destName picks the output filename. Timeline placement keeps the
// artifact's own name; flat and zettelkasten placement expand the filename
// pattern, keeping the artifact's extension.
func (s *Shelver) destName(req Request, src string) string {
	base := filepath.Base(src)
	switch req.Policy.Strategy {
	case "flat", "zettelkasten":
	default:
		return base
	}

	pattern := req.Policy.FilenamePattern
	if pattern == "" {
		pattern = "{id} {slug}.md"
	}
	idFormat := req.Policy.IDFormat
	if idFormat == "" {
		idFormat = "200601021504"
	}

	expanded := strings.NewReplacer(
		"{id}", req.Date.Format(idFormat),
		"{slug}", Slugify(req.Title),
		"{title}", req.Title,
		"{date}", req.Date.Format("2006-01-02"),
	).Replace(pattern)

	ext := filepath.Ext(base)
	if patternExt := filepath.Ext(expanded); patternExt != ext {
		expanded = strings.TrimSuffix(expanded, patternExt) + ext
	}
	return expanded
}

// digestFile returns the blake3 hex digest of a file's content.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// copyFile copies src to dest via a temp file and rename, so readers of
// the results tree never see a partial artifact.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
