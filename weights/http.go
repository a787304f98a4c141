package weights

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-gesture/engine"
)

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL  string        `json:"base_url"`
	Format   Format        `json:"format"`
	CacheDir string        `json:"cache_dir"`
	Timeout  time.Duration `json:"timeout"`
}

// DefaultHTTPProviderConfig fetches the keras.applications release and caches
// it under the user cache directory.
func DefaultHTTPProviderConfig() HTTPProviderConfig {
	return HTTPProviderConfig{
		BaseURL:  KerasApplicationsURL,
		Format:   FormatKerasH5,
		CacheDir: DefaultCacheDir(),
		Timeout:  5 * time.Minute,
	}
}

// DefaultCacheDir returns <user cache>/go-gesture/weights, falling back to
// the temp directory when the platform has no cache directory.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "go-gesture", "weights")
}

// HTTPProvider downloads weight files once and serves them from an on-disk
// cache afterwards.
type HTTPProvider struct {
	baseURL    string
	format     Format
	cacheDir   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPProvider creates a provider from config.
func NewHTTPProvider(config HTTPProviderConfig, logger zerolog.Logger) *HTTPProvider {
	if config.CacheDir == "" {
		config.CacheDir = DefaultCacheDir()
	}
	if config.Format == "" {
		config.Format = FormatArchive
	}
	return &HTTPProvider{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		format:   config.Format,
		cacheDir: config.CacheDir,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// Fetch returns the decoded weights for arch and weightSet.
func (p *HTTPProvider) Fetch(arch, weightSet string) (map[string]*engine.Tensor, error) {
	name, err := p.format.fileName(arch, weightSet)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(p.cacheDir, name)

	b, err := os.ReadFile(path)
	if err == nil {
		p.logger.Debug().Str("path", path).Msg("Using cached weights")
		return p.format.decode(b)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read cached weights: %w", err)
	}

	b, err = p.download(name)
	if err != nil {
		return nil, err
	}
	state, err := p.format.decode(b)
	if err != nil {
		return nil, err
	}
	if err := p.store(path, b); err != nil {
		// The weights are usable even if caching failed.
		p.logger.Warn().Err(err).Str("path", path).Msg("Failed to cache weights")
	}
	return state, nil
}

func (p *HTTPProvider) download(name string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s", p.baseURL, name)
	p.logger.Info().Str("url", url).Msg("Downloading pretrained weights")

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", "go-gesture")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download weights: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weights download failed with status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *HTTPProvider) store(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
