package drafts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// DefaultPattern matches markdown, text and yaml drafts.
const DefaultPattern = "*.{md,txt,yaml}"

const frontMatterFence = "---"

// FileStore reads drafts from {root}/{session}/round-{n}/. Each file whose
// name matches the pattern is one draft. A file may start with a YAML front
// matter block naming the participant, ID and kind:
//
//	---
//	participant: alice
//	kind: critique
//	---
//	The cache should be regional.
//
// Without front matter the participant is the file name minus its extension.
type FileStore struct {
	root    string
	pattern glob.Glob
}

// NewFileStore creates a FileStore rooted at root. An empty pattern uses
// DefaultPattern.
func NewFileStore(root, pattern string) (*FileStore, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile draft pattern %q: %w", pattern, err)
	}
	return &FileStore{root: root, pattern: g}, nil
}

// Root returns the directory the store reads from.
func (s *FileStore) Root() string { return s.root }

// RoundDir returns the directory holding one round's drafts.
func (s *FileStore) RoundDir(sessionID string, round int) string {
	return filepath.Join(s.root, sessionID, RoundDirName(round))
}

// RoundDirName is the directory name for round n.
func RoundDirName(round int) string {
	return "round-" + strconv.Itoa(round)
}

// ParseRoundDirName is the inverse of RoundDirName.
func ParseRoundDirName(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "round-"))
	if err != nil || !strings.HasPrefix(name, "round-") || n < 1 {
		return 0, false
	}
	return n, true
}

// FetchDrafts reads every matching file in the round directory. A missing
// directory yields no drafts.
func (s *FileStore) FetchDrafts(ctx context.Context, sessionID string, round int) ([]Draft, error) {
	dir := s.RoundDir(sessionID, round)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read round directory: %w", err)
	}

	var out []Draft
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !s.pattern.Match(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read draft %s: %w", e.Name(), err)
		}
		d, err := parseDraft(e.Name(), data)
		if err != nil {
			return nil, fmt.Errorf("parse draft %s: %w", e.Name(), err)
		}
		d.Round = round
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s/%s/%s", sessionID, RoundDirName(round), e.Name())
		}
		out = append(out, d)
	}

	sortDrafts(out)
	return out, nil
}

// WriteDraft stores d as {participant}[-critique].md in its round directory.
// It is the counterpart drivers and tests use to feed the store.
func (s *FileStore) WriteDraft(sessionID string, d Draft) (string, error) {
	if d.Participant == "" {
		return "", fmt.Errorf("draft participant must not be empty")
	}
	dir := s.RoundDir(sessionID, d.Round)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create round directory: %w", err)
	}

	name := d.Participant
	if d.Kind == KindCritique {
		name += "-critique"
	}
	path := filepath.Join(dir, name+".md")

	header, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterFence + "\n")
	buf.Write(header)
	buf.WriteString(frontMatterFence + "\n")
	buf.WriteString(d.Text)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write draft: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename draft: %w", err)
	}
	return path, nil
}

func parseDraft(fileName string, data []byte) (Draft, error) {
	d := Draft{Kind: KindDraft}
	body := string(data)

	if rest, ok := strings.CutPrefix(body, frontMatterFence+"\n"); ok {
		header, text, found := strings.Cut(rest, "\n"+frontMatterFence+"\n")
		if !found {
			// Closing fence at end of file with an empty body.
			header, found = strings.CutSuffix(rest, "\n"+frontMatterFence)
			text = ""
		}
		if found {
			if err := yaml.Unmarshal([]byte(header), &d); err != nil {
				return Draft{}, err
			}
			body = text
		}
	}

	if d.Participant == "" {
		d.Participant = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	if d.Kind == "" {
		d.Kind = KindDraft
	}
	d.Text = strings.TrimSpace(body)
	return d, nil
}
