// Package local indexes user-owned skills from a filesystem directory and
// merges them into search as an overlay. Registry entries always win on
// conflict; local-only skills are tagged with the local source.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillsmith/internal/audit"
	"skillsmith/internal/logging"
	"skillsmith/internal/score"
	"skillsmith/internal/types"
	"skillsmith/internal/validate"
)

// LocalAuthor is assigned when a local skill declares no author.
const LocalAuthor = "local"

var ErrNotFound = errors.New("local skill not found")

// Overlay is an in-memory index of the local skills directory, kept fresh
// by a filesystem watcher.
type Overlay struct {
	mu     sync.RWMutex
	dir    string
	skills map[string]*types.Skill // by skill id
	files  map[string]string       // file path -> skill id

	watcher *fsnotify.Watcher
	done    chan struct{}
	chain   *audit.Chain // optional
}

// Open indexes dir (created if missing) and returns the overlay. Call
// Watch to keep it synchronized with filesystem changes.
func Open(dir string, chain *audit.Chain) (*Overlay, error) {
	timer := logging.StartTimer(logging.CategoryLocal, "local.Open")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create skills dir: %w", err)
	}

	o := &Overlay{
		dir:    dir,
		skills: make(map[string]*types.Skill),
		files:  make(map[string]string),
		done:   make(chan struct{}),
		chain:  chain,
	}
	if err := o.reload(); err != nil {
		return nil, err
	}
	return o, nil
}

// Watch starts the filesystem watcher. Safe to skip in one-shot commands.
func (o *Overlay) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := watcher.Add(o.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", o.dir, err)
	}
	o.watcher = watcher

	go o.watchLoop()
	logging.Get(logging.CategoryLocal).Info("watching %s", o.dir)
	return nil
}

func (o *Overlay) watchLoop() {
	log := logging.Get(logging.CategoryLocal)
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				if err := o.indexFile(event.Name); err != nil {
					log.Warn("failed to index %s: %v", event.Name, err)
				}
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				o.dropFile(event.Name)
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Error("watcher error: %v", err)
		case <-o.done:
			return
		}
	}
}

// reload rebuilds the index from the directory contents.
func (o *Overlay) reload() error {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return fmt.Errorf("failed to read skills dir: %w", err)
	}

	o.mu.Lock()
	o.skills = make(map[string]*types.Skill)
	o.files = make(map[string]string)
	o.mu.Unlock()

	log := logging.Get(logging.CategoryLocal)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(o.dir, entry.Name())
		if err := o.indexFile(path); err != nil {
			log.Warn("skipping %s: %v", entry.Name(), err)
		}
	}

	o.mu.RLock()
	count := len(o.skills)
	o.mu.RUnlock()
	log.Info("indexed %d local skills from %s", count, o.dir)
	return nil
}

// indexFile validates and indexes a single document. Local skills are
// exempt from risk thresholds but still validated structurally.
func (o *Overlay) indexFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	validated, err := validate.Validate(content, validate.Options{RepoOwner: LocalAuthor})
	if err != nil {
		return err
	}

	skill := skillFromValidated(validated, path)

	o.mu.Lock()
	// A rename of the underlying file replaces the previous mapping
	if oldID, ok := o.files[path]; ok && oldID != skill.ID() {
		delete(o.skills, oldID)
	}
	o.skills[skill.ID()] = skill
	o.files[path] = skill.ID()
	o.mu.Unlock()

	logging.Get(logging.CategoryLocal).Debug("indexed local skill %s from %s", skill.ID(), path)
	return nil
}

func (o *Overlay) dropFile(path string) {
	o.mu.Lock()
	if id, ok := o.files[path]; ok {
		delete(o.skills, id)
		delete(o.files, path)
		logging.Get(logging.CategoryLocal).Debug("dropped local skill %s", id)
	}
	o.mu.Unlock()
}

func skillFromValidated(v *validate.ValidatedSkill, path string) *types.Skill {
	author := v.Frontmatter.Author
	if author == "" {
		author = LocalAuthor
	}
	name := v.Frontmatter.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}

	now := time.Now().UTC()
	composite, sub := score.Compute(score.Input{
		Description: v.Frontmatter.Description,
		Tags:        v.Frontmatter.Tags,
		Body:        v.Body,
		Now:         now,
	})

	return &types.Skill{
		Author:        author,
		Name:          name,
		Description:   v.Frontmatter.Description,
		Tags:          v.Frontmatter.Tags,
		Category:      v.Frontmatter.Category,
		Version:       v.Frontmatter.Version,
		Triggers:      v.Frontmatter.Triggers,
		Roles:         v.Frontmatter.Roles,
		Compatibility: v.Frontmatter.Compatibility,
		SourcePath:    path,
		InstallHint:   path,
		ContentHash:   v.ContentHash,
		SizeBytes:     v.SizeBytes,
		Score:         composite,
		SubScores:     sub,
		Tier:          types.TierLocal,
		ScanStatus:    types.RecommendSafe,
		IndexedAt:     now,
		LastRefreshed: now,
	}
}

// List returns all local skills ordered by score descending, id ascending.
func (o *Overlay) List() []*types.Skill {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*types.Skill, 0, len(o.skills))
	for _, s := range o.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Get returns a local skill by id.
func (o *Overlay) Get(id string) (*types.Skill, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.skills[id]
	return s, ok
}

// Match returns local skills whose name, description, or tags contain any
// query term, ordered like List.
func (o *Overlay) Match(query string) []*types.Skill {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var out []*types.Skill
	for _, s := range o.List() {
		haystack := strings.ToLower(s.Name + " " + s.Description + " " + strings.Join(s.Tags, " "))
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Publish writes content into the skills directory and indexes it.
func (o *Overlay) Publish(fileName string, content []byte) (*types.Skill, error) {
	timer := logging.StartTimer(logging.CategoryLocal, "local.Publish")
	defer timer.Stop()

	if !strings.HasSuffix(fileName, ".md") {
		fileName += ".md"
	}
	path := filepath.Join(o.dir, filepath.Base(fileName))

	// Validate before touching the filesystem
	if _, err := validate.Validate(content, validate.Options{RepoOwner: LocalAuthor}); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write skill: %w", err)
	}
	if err := o.indexFile(path); err != nil {
		return nil, err
	}

	o.mu.RLock()
	id := o.files[path]
	skill := o.skills[id]
	o.mu.RUnlock()

	o.auditAppend(audit.ActionLocalPublished, id, map[string]string{"path": path})
	return skill, nil
}

// Remove deletes a local skill's file and drops it from the index.
func (o *Overlay) Remove(id string) error {
	o.mu.Lock()
	var path string
	for p, sid := range o.files {
		if sid == id {
			path = p
			break
		}
	}
	o.mu.Unlock()

	if path == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove skill file: %w", err)
	}
	o.dropFile(path)

	o.auditAppend(audit.ActionLocalRemoved, id, map[string]string{"path": path})
	return nil
}

// Close stops the watcher.
func (o *Overlay) Close() error {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	if o.watcher != nil {
		return o.watcher.Close()
	}
	return nil
}

func (o *Overlay) auditAppend(action audit.Action, subjectID string, details map[string]string) {
	if o.chain == nil {
		return
	}
	if _, err := o.chain.Append(LocalAuthor, action, subjectID, details); err != nil {
		logging.Get(logging.CategoryLocal).Error("audit append failed: %v", err)
	}
}
