package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/user/cascgo/pkg/checksum"
)

// BuildConfig is the subset of a build config the resolution chain needs.
type BuildConfig struct {
	BuildName string

	Root checksum.ContentKey

	EncodingContentKey checksum.ContentKey
	EncodingFileKey    checksum.FileKey
	EncodingSize       []uint64 // decoded, encoded; may be empty

	Install  []string
	Download []string
}

// ParseBuildConfig reads a build config. The root key and both encoding
// keys are required.
func ParseBuildConfig(r io.Reader) (*BuildConfig, error) {
	c, err := Parse(r)
	if err != nil {
		return nil, err
	}

	bc := &BuildConfig{
		BuildName: c.Get("build-name"),
		Install:   c.Values("install"),
		Download:  c.Values("download"),
	}
	if bc.Root, err = checksum.ParseContentKey(c.Get("root")); err != nil {
		return nil, fmt.Errorf("build config root: %w", err)
	}
	if bc.Root.Len() == 0 {
		return nil, fmt.Errorf("build config has no root key")
	}

	enc := c.Values("encoding")
	if len(enc) != 2 {
		return nil, fmt.Errorf("build config encoding needs a content and a file key, got %d values", len(enc))
	}
	if bc.EncodingContentKey, err = checksum.ParseContentKey(enc[0]); err != nil {
		return nil, fmt.Errorf("build config encoding content key: %w", err)
	}
	if bc.EncodingFileKey, err = checksum.ParseFileKey(enc[1]); err != nil {
		return nil, fmt.Errorf("build config encoding file key: %w", err)
	}

	for _, v := range c.Values("encoding-size") {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("build config encoding-size %q: %w", v, err)
		}
		bc.EncodingSize = append(bc.EncodingSize, n)
	}
	return bc, nil
}

// CDNConfig lists the archives a build's content is packed into.
type CDNConfig struct {
	Archives      []checksum.FileKey
	ArchiveGroup  checksum.FileKey
	PatchArchives []checksum.FileKey
}

// ParseCDNConfig reads a CDN config.
func ParseCDNConfig(r io.Reader) (*CDNConfig, error) {
	c, err := Parse(r)
	if err != nil {
		return nil, err
	}

	cc := &CDNConfig{}
	if cc.Archives, err = parseKeys(c.Values("archives")); err != nil {
		return nil, fmt.Errorf("cdn config archives: %w", err)
	}
	if cc.PatchArchives, err = parseKeys(c.Values("patch-archives")); err != nil {
		return nil, fmt.Errorf("cdn config patch-archives: %w", err)
	}
	if g := c.Get("archive-group"); g != "" {
		if cc.ArchiveGroup, err = checksum.ParseFileKey(g); err != nil {
			return nil, fmt.Errorf("cdn config archive-group: %w", err)
		}
	}
	return cc, nil
}

func parseKeys(values []string) ([]checksum.FileKey, error) {
	keys := make([]checksum.FileKey, 0, len(values))
	for _, v := range values {
		k, err := checksum.ParseFileKey(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// BuildInfo is one row of a local installation's .build.info.
type BuildInfo struct {
	Branch   string
	Active   bool
	BuildKey string
	CDNKey   string
	CDNPath  string
	CDNHosts []string
	Version  string
	Product  string
}

// ParseBuildInfo reads every row of a .build.info table.
func ParseBuildInfo(r io.Reader) ([]BuildInfo, error) {
	t, err := ParseTable(r)
	if err != nil {
		return nil, fmt.Errorf("parsing build info: %w", err)
	}
	rows := make([]BuildInfo, len(t.Rows))
	for i := range t.Rows {
		rows[i] = BuildInfo{
			Branch:   t.Get(i, "Branch"),
			Active:   t.Get(i, "Active") == "1",
			BuildKey: t.Get(i, "Build Key"),
			CDNKey:   t.Get(i, "CDN Key"),
			CDNPath:  t.Get(i, "CDN Path"),
			CDNHosts: strings.Fields(t.Get(i, "CDN Hosts")),
			Version:  t.Get(i, "Version"),
			Product:  t.Get(i, "Product"),
		}
	}
	return rows, nil
}

// ActiveBuild returns the first active row, falling back to the first row.
func ActiveBuild(rows []BuildInfo) (BuildInfo, error) {
	for _, r := range rows {
		if r.Active {
			return r, nil
		}
	}
	if len(rows) == 0 {
		return BuildInfo{}, fmt.Errorf("build info has no rows")
	}
	return rows[0], nil
}

// Version is one row of a patch server versions table.
type Version struct {
	Region       string
	BuildConfig  string
	CDNConfig    string
	BuildID      string
	VersionsName string
}

// ParseVersions reads a versions table.
func ParseVersions(r io.Reader) ([]Version, error) {
	t, err := ParseTable(r)
	if err != nil {
		return nil, fmt.Errorf("parsing versions: %w", err)
	}
	rows := make([]Version, len(t.Rows))
	for i := range t.Rows {
		rows[i] = Version{
			Region:       t.Get(i, "Region"),
			BuildConfig:  t.Get(i, "BuildConfig"),
			CDNConfig:    t.Get(i, "CDNConfig"),
			BuildID:      t.Get(i, "BuildId"),
			VersionsName: t.Get(i, "VersionsName"),
		}
	}
	return rows, nil
}

// CDN is one row of a patch server cdns table.
type CDN struct {
	Name       string
	Path       string
	Hosts      []string
	Servers    []string
	ConfigPath string
}

// ParseCDNs reads a cdns table.
func ParseCDNs(r io.Reader) ([]CDN, error) {
	t, err := ParseTable(r)
	if err != nil {
		return nil, fmt.Errorf("parsing cdns: %w", err)
	}
	rows := make([]CDN, len(t.Rows))
	for i := range t.Rows {
		rows[i] = CDN{
			Name:       t.Get(i, "Name"),
			Path:       t.Get(i, "Path"),
			Hosts:      strings.Fields(t.Get(i, "Hosts")),
			Servers:    strings.Fields(t.Get(i, "Servers")),
			ConfigPath: t.Get(i, "ConfigPath"),
		}
	}
	return rows, nil
}

// URL returns the base URL of the first host, e.g. "http://host/tpr/wow".
func (c CDN) URL() (string, error) {
	if len(c.Servers) > 0 {
		server, _, _ := strings.Cut(c.Servers[0], "?")
		return strings.TrimRight(server, "/") + "/" + c.Path, nil
	}
	if len(c.Hosts) > 0 {
		return "http://" + c.Hosts[0] + "/" + c.Path, nil
	}
	return "", fmt.Errorf("cdn %q has no hosts", c.Name)
}

// ByRegion returns the row for region from rows selected by name.
func ByRegion[T any](rows []T, region string, name func(T) string) (T, bool) {
	for _, r := range rows {
		if name(r) == region {
			return r, true
		}
	}
	var zero T
	return zero, false
}
