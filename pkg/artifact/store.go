package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"tfview/internal/common/fsutil"
	"tfview/pkg/types"
)

// ModelsPrefix is the URL path under which artifacts are served.
const ModelsPrefix = "/models/"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks that name can be used as an artifact directory.
func ValidateName(name string) error {
	if len(name) > 128 || !validName.MatchString(name) || strings.Contains(name, "..") {
		return invalidNameError{name: name}
	}
	return nil
}

// URL returns the model.json URL of the artifact published as name.
func URL(name string) string {
	return ModelsPrefix + name + "/" + ManifestFile
}

// Store publishes artifacts under <root>/models. Publishing the same name
// again replaces the previous artifact.
type Store struct {
	root string
	log  zerolog.Logger
	mu   sync.Mutex
}

// NewStore creates the models directory below root. An empty root means the
// working directory.
func NewStore(root string, log zerolog.Logger) (*Store, error) {
	if root == "" {
		root = "."
	}
	abs, err := fsutil.AbsDir(root)
	if err != nil {
		return nil, err
	}
	s := &Store{root: abs, log: log.With().Str("component", "artifact").Logger()}
	if err := os.MkdirAll(s.ModelsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	return s, nil
}

// Root is the absolute publish directory.
func (s *Store) Root() string { return s.root }

// ModelsDir is the directory holding one subdirectory per artifact.
func (s *Store) ModelsDir() string { return filepath.Join(s.root, "models") }

// JSDir is the directory of extra browser scripts served under /js.
func (s *Store) JSDir() string { return filepath.Join(s.root, "js") }

// Publish saves an artifact under name and returns its model.json URL. The
// saver writes into a temporary directory that is renamed into place only
// once it holds a model.json, so viewers never load a partial artifact.
func (s *Store) Publish(ctx context.Context, name string, saver Saver) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if saver == nil {
		return "", fmt.Errorf("publish %s: nil saver", name)
	}
	tmp, err := os.MkdirTemp(s.ModelsDir(), "."+name+".tmp-")
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	defer os.RemoveAll(tmp)

	if err := saver.Save(ctx, tmp); err != nil {
		return "", fmt.Errorf("publish %s: save: %w", name, err)
	}
	if !fsutil.PathExists(filepath.Join(tmp, ManifestFile)) {
		return "", fmt.Errorf("publish %s: %w", name, notAnArtifactError{path: tmp})
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	final := filepath.Join(s.ModelsDir(), name)
	var old string
	if fsutil.PathExists(final) {
		old = tmp + ".old"
		if err := os.Rename(final, old); err != nil {
			return "", fmt.Errorf("publish %s: move previous: %w", name, err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	s.log.Info().Str("model", name).Str("dir", final).Msg("artifact published")
	return URL(name), nil
}

// List returns the published artifacts sorted by name. Directories without
// model.json and in-progress publishes are skipped.
func (s *Store) List() ([]types.Model, error) {
	entries, err := os.ReadDir(s.ModelsDir())
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	models := []types.Model{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := s.describe(e.Name())
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Get describes one published artifact.
func (s *Store) Get(name string) (types.Model, error) {
	if err := ValidateName(name); err != nil {
		return types.Model{}, err
	}
	return s.describe(name)
}

func (s *Store) describe(name string) (types.Model, error) {
	dir := filepath.Join(s.ModelsDir(), name)
	info, err := os.Stat(filepath.Join(dir, ManifestFile))
	if err != nil {
		return types.Model{}, notFoundError{name: name}
	}
	files, size, err := fsutil.DirFiles(dir)
	if err != nil {
		return types.Model{}, err
	}
	return types.Model{
		Name:        name,
		URL:         URL(name),
		Files:       files,
		SizeBytes:   size,
		UpdatedUnix: info.ModTime().Unix(),
	}, nil
}

// Load reads the manifest of a published artifact.
func (s *Store) Load(name string) (Manifest, error) {
	if err := ValidateName(name); err != nil {
		return Manifest{}, err
	}
	b, err := os.ReadFile(filepath.Join(s.ModelsDir(), name, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, notFoundError{name: name}
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	return m, nil
}

// NameFromURL extracts the artifact name from a model.json URL, absolute or
// relative. ok is false for URLs outside /models/.
func NameFromURL(u string) (name string, ok bool) {
	if i := strings.Index(u, ModelsPrefix); i >= 0 {
		u = u[i:]
	}
	rest, found := strings.CutPrefix(u, ModelsPrefix)
	if !found {
		return "", false
	}
	dir, file := path.Split(rest)
	name = strings.TrimSuffix(dir, "/")
	if file != ManifestFile || ValidateName(name) != nil {
		return "", false
	}
	return name, true
}

// Fetch downloads and decodes a model.json over HTTP.
func Fetch(ctx context.Context, client *http.Client, url string) (Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	return m, nil
}
