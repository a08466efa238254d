package installer

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"speedtest-mqtt/pkg/config"
)

// DefaultAPIURL lists the current Chrome for Testing builds with downloads.
const DefaultAPIURL = "https://googlechromelabs.github.io/chrome-for-testing/last-known-good-versions-with-downloads.json"

const product = "chrome-headless-shell"

type Download struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

type Channel struct {
	Version   string                `json:"version"`
	Downloads map[string][]Download `json:"downloads"`
}

type ReleaseInfo struct {
	Channels map[string]Channel `json:"channels"`
}

// Installer keeps a headless Chrome in dir, downloading it when missing.
type Installer struct {
	proxy     string
	apiURL    string
	dir       string
	cacheFile string
	platform  string
	client    *http.Client
	logger    *slog.Logger
}

// NewInstaller creates an installer rooted at dir. proxy is prepended to
// every URL when non-empty; an empty apiURL means DefaultAPIURL.
func NewInstaller(proxy, apiURL, dir string, logger *slog.Logger) *Installer {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Installer{
		proxy:     proxy,
		apiURL:    apiURL,
		dir:       dir,
		cacheFile: filepath.Join(dir, product+".version"),
		platform:  Platform(runtime.GOOS, runtime.GOARCH),
		client:    http.DefaultClient,
		logger:    logger.With("component", "installer"),
	}
}

// Platform maps a Go OS/arch pair to the Chrome for Testing platform name.
// Pairs with no published build map to "goos-goarch", which no release lists.
func Platform(goos, goarch string) string {
	switch goos {
	case "linux":
		if goarch == "amd64" {
			return "linux64"
		}
	case "darwin":
		if goarch == "arm64" {
			return "mac-arm64"
		}
		return "mac-x64"
	case "windows":
		if goarch == "386" {
			return "win32"
		}
		return "win64"
	}
	return goos + "-" + goarch
}

// InstallOrUpdate makes sure the newest stable build is unpacked and returns
// the path of its executable.
func (i *Installer) InstallOrUpdate() (string, error) {
	info, err := i.fetchRelease()
	if err != nil {
		return "", err
	}
	stable, ok := info.Channels["Stable"]
	if !ok || stable.Version == "" {
		return "", fmt.Errorf("release info has no stable channel")
	}

	exe := i.executablePath(stable.Version)
	if data, err := os.ReadFile(i.cacheFile); err == nil && string(data) == stable.Version {
		if _, err := os.Stat(exe); err == nil {
			i.logger.Info("headless browser is already the latest version", "version", stable.Version)
			return exe, nil
		}
	}

	i.logger.Info("new headless browser version found", "version", stable.Version)

	var assetURL string
	for _, d := range stable.Downloads[product] {
		if d.Platform == i.platform {
			assetURL = d.URL
			break
		}
	}
	if assetURL == "" {
		return "", fmt.Errorf("%s download for %s not found in release; install a browser and set %s",
			product, i.platform, config.BrowserPathEnv)
	}

	tmp, err := i.download(assetURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	i.logger.Info("unpacking archive", "dir", i.versionDir(stable.Version))
	if err := unpackZip(tmp, i.versionDir(stable.Version)); err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}
	if _, err := os.Stat(exe); err != nil {
		return "", fmt.Errorf("executable %s not found in archive", filepath.Base(exe))
	}

	if err := os.WriteFile(i.cacheFile, []byte(stable.Version), 0644); err != nil {
		return "", err
	}
	i.logger.Info("version cache updated", "version", stable.Version)
	return exe, nil
}

func (i *Installer) versionDir(version string) string {
	return filepath.Join(i.dir, version)
}

func (i *Installer) executablePath(version string) string {
	name := product
	if strings.HasPrefix(i.platform, "win") {
		name += ".exe"
	}
	return filepath.Join(i.versionDir(version), product+"-"+i.platform, name)
}

func (i *Installer) fetchRelease() (*ReleaseInfo, error) {
	resp, err := i.client.Get(i.proxy + i.apiURL)
	if err != nil {
		return nil, fmt.Errorf("fetch release info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch release info: %s", resp.Status)
	}

	var info ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &info, nil
}

func (i *Installer) download(assetURL string) (string, error) {
	dlURL := i.proxy + assetURL
	i.logger.Info("downloading", "url", dlURL)

	if err := os.MkdirAll(i.dir, 0755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(i.dir, product+"-*.zip")
	if err != nil {
		return "", err
	}

	resp, err := i.client.Get(dlURL)
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("download asset: %s", resp.Status)
	}

	_, err = io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("save asset: %w", err)
	}
	return out.Name(), nil
}

func unpackZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	root := filepath.Clean(dest) + string(os.PathSeparator)

	for _, zf := range zr.File {
		target := filepath.Join(dest, zf.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("illegal path in archive: %s", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	perm := zf.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
