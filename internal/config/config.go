package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/boardpack/internal/archive"
	"github.com/schaermu/boardpack/internal/boardcfg"
)

// Config represents the complete boardpack configuration
type Config struct {
	Version    string           `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Package    PackageConfig    `yaml:"package"`
	Descriptor DescriptorConfig `yaml:"descriptor"`
	Transform  TransformConfig  `yaml:"transform"`
	Publish    PublishConfig    `yaml:"publish"`
}

// PathsConfig configures local filesystem paths. Every path except
// base_dir may be relative to base_dir.
type PathsConfig struct {
	BaseDir    string `yaml:"base_dir"`
	SourceDir  string `yaml:"source_dir"`
	ReleaseZip string `yaml:"release_zip"`
	WorkDir    string `yaml:"work_dir"`
	OutputDir  string `yaml:"output_dir"`
	StateFile  string `yaml:"state_file"`
}

// PackageConfig names the produced archive
type PackageConfig struct {
	Name     string         `yaml:"name"`
	RootName string         `yaml:"root_name"`
	Layout   archive.Layout `yaml:"layout"`
}

// DescriptorConfig locates the package index JSON
type DescriptorConfig struct {
	Path     string `yaml:"path"`
	Template string `yaml:"template"`
	BaseURL  string `yaml:"base_url"`
}

// TransformConfig lists the in-place edits applied to the work tree
type TransformConfig struct {
	Renames  []RenameConfig  `yaml:"renames"`
	Platform *PlatformConfig `yaml:"platform"`
	Sections []SectionConfig `yaml:"sections"`
}

// RenameConfig moves a file inside the work tree
type RenameConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// PlatformConfig rewrites the platform definition file
type PlatformConfig struct {
	File        string   `yaml:"file"`
	Name        string   `yaml:"name"`
	Match       string   `yaml:"match"`
	Python3Keys []string `yaml:"python3_keys"`
}

// SectionConfig duplicates one board section under a new key
type SectionConfig struct {
	File   string `yaml:"file"`
	OldKey string `yaml:"old_key"`
	NewKey string `yaml:"new_key"`
	Label  string `yaml:"label"`
	Banner string `yaml:"banner"`
}

// PublishConfig configures the git publish workflow
type PublishConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Dir               string        `yaml:"dir"`
	Remote            string        `yaml:"remote"`
	RemoteURL         string        `yaml:"remote_url"`
	Branch            string        `yaml:"branch"`
	Force             bool          `yaml:"force"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	TokenFile         string        `yaml:"token_file"`
	SSHKeyFile        string        `yaml:"ssh_key_file"`
	ExcludeNames      []string      `yaml:"exclude_names"`
	ExcludeExtensions []string      `yaml:"exclude_extensions"`
	CommitMessage     string        `yaml:"commit_message"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path and credential fields
func (c *Config) expandEnv() {
	c.Paths.BaseDir = os.ExpandEnv(c.Paths.BaseDir)
	c.Paths.SourceDir = os.ExpandEnv(c.Paths.SourceDir)
	c.Paths.ReleaseZip = os.ExpandEnv(c.Paths.ReleaseZip)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Paths.StateFile = os.ExpandEnv(c.Paths.StateFile)
	c.Descriptor.Path = os.ExpandEnv(c.Descriptor.Path)
	c.Descriptor.Template = os.ExpandEnv(c.Descriptor.Template)
	c.Publish.Dir = os.ExpandEnv(c.Publish.Dir)
	c.Publish.RemoteURL = os.ExpandEnv(c.Publish.RemoteURL)
	c.Publish.TokenFile = os.ExpandEnv(c.Publish.TokenFile)
	c.Publish.SSHKeyFile = os.ExpandEnv(c.Publish.SSHKeyFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = ".boardpack-work"
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "."
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = ".zip_hash"
	}
	if c.Package.Layout == "" {
		c.Package.Layout = archive.Wrapped
	}
	if c.Package.RootName == "" && c.Package.Name != "" {
		c.Package.RootName = c.Package.Name + "-" + c.Version
	}
	if c.Publish.Remote == "" {
		c.Publish.Remote = "origin"
	}
	if c.Publish.Branch == "" {
		c.Publish.Branch = "Master"
	}
	if c.Publish.PushTimeout == 0 {
		c.Publish.PushTimeout = 10 * time.Minute
	}
	if c.Publish.CommitMessage == "" {
		c.Publish.CommitMessage = "Release"
	}
	if c.Publish.ExcludeExtensions == nil {
		c.Publish.ExcludeExtensions = []string{".py", ".bat", ".sh", ".zip"}
	}
	if c.Publish.ExcludeNames == nil {
		c.Publish.ExcludeNames = []string{"github_token.txt", "__pycache__"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(c.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", c.Version, err)
	}

	if c.Paths.BaseDir == "" {
		return fmt.Errorf("paths.base_dir is required")
	}
	if !filepath.IsAbs(c.Paths.BaseDir) {
		return fmt.Errorf("paths.base_dir must be an absolute path: %s", c.Paths.BaseDir)
	}
	if c.Paths.SourceDir == "" && c.Paths.ReleaseZip == "" {
		return fmt.Errorf("one of paths.source_dir or paths.release_zip is required")
	}

	if c.Package.Name == "" {
		return fmt.Errorf("package.name is required")
	}
	if strings.ContainsAny(c.Package.Name, `/\`) {
		return fmt.Errorf("package.name must not contain path separators: %s", c.Package.Name)
	}
	switch c.Package.Layout {
	case archive.Flat, archive.Wrapped:
		// valid
	default:
		return fmt.Errorf("invalid package.layout: %s (must be flat or wrapped)", c.Package.Layout)
	}

	if c.Descriptor.Path == "" {
		return fmt.Errorf("descriptor.path is required")
	}
	if c.Descriptor.BaseURL == "" {
		return fmt.Errorf("descriptor.base_url is required")
	}

	for i, r := range c.Transform.Renames {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("transform.renames[%d]: from and to are required", i)
		}
	}
	if p := c.Transform.Platform; p != nil {
		if p.File == "" || p.Name == "" {
			return fmt.Errorf("transform.platform: file and name are required")
		}
	}
	for i, s := range c.Transform.Sections {
		if s.File == "" || s.OldKey == "" || s.NewKey == "" || s.Label == "" {
			return fmt.Errorf("transform.sections[%d]: file, old_key, new_key and label are required", i)
		}
		if s.OldKey == s.NewKey {
			return fmt.Errorf("transform.sections[%d]: new_key must differ from old_key", i)
		}
	}

	if c.Publish.Enabled {
		if c.Publish.Branch == "" {
			return fmt.Errorf("publish.branch is required when publish is enabled")
		}
		if c.Publish.PushTimeout < 0 {
			return fmt.Errorf("publish.push_timeout must not be negative")
		}
	}

	// Only one auth method may be configured
	if c.Publish.SSHKeyFile != "" && c.Publish.TokenFile != "" {
		return fmt.Errorf("publish: only one of ssh_key_file or token_file may be set")
	}
	if c.Publish.RemoteURL != "" {
		if c.Publish.SSHKeyFile != "" && !c.IsSSH() {
			return fmt.Errorf("publish.ssh_key_file is set but publish.remote_url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Publish.TokenFile != "" && !c.IsHTTPS() {
			return fmt.Errorf("publish.token_file is set but publish.remote_url does not use HTTPS scheme")
		}
	}

	return nil
}

// resolve makes p absolute against base_dir
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.BaseDir, p)
}

// SourceDir returns the unmodified source tree, or "" when not configured
func (c *Config) SourceDir() string {
	return c.resolve(c.Paths.SourceDir)
}

// ReleaseZip returns the upstream release archive, or "" when not configured
func (c *Config) ReleaseZip() string {
	return c.resolve(c.Paths.ReleaseZip)
}

// WorkDir returns the temporary directory the tree is transformed in
func (c *Config) WorkDir() string {
	return c.resolve(c.Paths.WorkDir)
}

// StateFilePath returns the path to the fingerprint sentinel file
func (c *Config) StateFilePath() string {
	return c.resolve(c.Paths.StateFile)
}

// ArchiveFileName returns the file name of the produced archive
func (c *Config) ArchiveFileName() string {
	return archive.FileName(c.Package.Name, c.Version)
}

// ArchivePath returns where the produced archive is written
func (c *Config) ArchivePath() string {
	return filepath.Join(c.resolve(c.Paths.OutputDir), c.ArchiveFileName())
}

// DescriptorPath returns the package index JSON path
func (c *Config) DescriptorPath() string {
	return c.resolve(c.Descriptor.Path)
}

// DescriptorTemplate returns the template path, or "" when not configured
func (c *Config) DescriptorTemplate() string {
	return c.resolve(c.Descriptor.Template)
}

// PublishDir returns the root of the git working tree that is published
func (c *Config) PublishDir() string {
	if c.Publish.Dir == "" {
		return c.Paths.BaseDir
	}
	return c.resolve(c.Publish.Dir)
}

// ExcludedNames returns the configured exclusions plus the local
// directories that must never be published
func (c *Config) ExcludedNames() []string {
	names := append([]string(nil), c.Publish.ExcludeNames...)
	for _, p := range []string{c.SourceDir(), c.WorkDir(), c.StateFilePath()} {
		if p == "" {
			continue
		}
		if rel, err := filepath.Rel(c.PublishDir(), p); err == nil && !strings.HasPrefix(rel, "..") {
			names = append(names, strings.Split(filepath.ToSlash(rel), "/")[0])
		}
	}
	return names
}

// Transformation converts the transform section into boardcfg edits
func (c *Config) Transformation() boardcfg.Transform {
	var t boardcfg.Transform
	for _, r := range c.Transform.Renames {
		t.Renames = append(t.Renames, boardcfg.Rename{From: r.From, To: r.To})
	}
	if p := c.Transform.Platform; p != nil {
		t.PlatformFile = p.File
		t.Platform = &boardcfg.Platform{Name: p.Name, Match: p.Match, Python3Keys: p.Python3Keys}
	}
	for _, s := range c.Transform.Sections {
		t.Sections = append(t.Sections, boardcfg.FileSection{
			File: s.File,
			Section: boardcfg.Section{
				OldKey: s.OldKey,
				NewKey: s.NewKey,
				Label:  s.Label,
				Banner: s.Banner,
			},
		})
	}
	return t
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Publish.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Publish.TokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the remote URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Publish.RemoteURL, "https://")
}

// IsSSH returns true if the remote URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Publish.RemoteURL, "git@") || strings.HasPrefix(c.Publish.RemoteURL, "ssh://")
}
