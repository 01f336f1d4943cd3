// Package bootstrap prepares what a new machine needs on first boot: the cloud-init
// user data and the output of the external configuration script.
//
// Every task works inside its own directory so concurrent creations never share files.
package bootstrap

import (
	"bytes"
	"context"
	"crypto/rand"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"
)

//go:embed templates/*.tmpl
var embedded embed.FS

const (
	CloudInitFile   = "cloud-init.yml"
	envTemplateFile = "instance_name.yml.j2"
	docTemplateFile = "instance_name.md.j2"
	argsFile        = "args_values.json"
)

// CommandRunner executes the configuration script.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Config holds the process-wide settings of the stage.
type Config struct {
	// PlaybookRepoURL disables SetupAnsible when empty.
	PlaybookRepoURL string
	ScriptPath      string
	// TemplatesDir, when set, is searched before the embedded templates.
	TemplatesDir string
	WorkDir      string
	GitUsername  string
	GitEmail     string
	APIURL       string
	// SSHAuthorizedKey is added to every machine's authorized keys.
	SSHAuthorizedKey string
}

// Stager renders cloud-init and runs the configuration script.
type Stager struct {
	cfg    Config
	runner CommandRunner
	logger *logrus.Logger
}

func NewStager(cfg Config, runner CommandRunner, logger *logrus.Logger) *Stager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Stager{cfg: cfg, runner: runner, logger: logger}
}

func (s *Stager) Config() Config { return s.cfg }

// TaskDir creates the render directory of one task.
func (s *Stager) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(s.cfg.WorkDir, taskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create task directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes a task directory and everything in it.
func (s *Stager) Cleanup(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.WithError(err).WithField("dir", dir).Warn("Failed to remove task directory")
	}
}

// CloudInitData is the template context of the cloud-init user data.
type CloudInitData struct {
	DynamicRepo       string
	GitUsername       string
	GitEmail          string
	InstanceID        int64
	GitlabProjectName string
	InstanceName      string
	Debug             string
	Centralized       string
	APIURL            string
	SSHAuthorizedKey  string
}

func (s *Stager) loadTemplate(name string) (*template.Template, error) {
	if s.cfg.TemplatesDir != "" {
		path := filepath.Join(s.cfg.TemplatesDir, name)
		if data, err := os.ReadFile(path); err == nil {
			return template.New(name).Option("missingkey=error").Parse(string(data))
		}
	}
	data, err := fs.ReadFile(embedded, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("unknown cloud-init template %s: %w", name, err)
	}
	return template.New(name).Option("missingkey=error").Parse(string(data))
}

// RenderCloudInit renders the named template into dir/cloud-init.yml, overwriting any
// previous render, and returns the file path.
func (s *Stager) RenderCloudInit(dir, templateName string, data CloudInitData) (string, error) {
	if data.GitUsername == "" {
		data.GitUsername = s.cfg.GitUsername
	}
	if data.GitEmail == "" {
		data.GitEmail = s.cfg.GitEmail
	}
	if data.APIURL == "" {
		data.APIURL = s.cfg.APIURL
	}
	if data.SSHAuthorizedKey == "" {
		data.SSHAuthorizedKey = s.cfg.SSHAuthorizedKey
	}

	tmpl, err := s.loadTemplate(templateName)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", templateName, err)
	}

	path := filepath.Join(dir, CloudInitFile)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("failed to write cloud-init: %w", err)
	}
	return path, nil
}

// AnsibleParams are the per-instance arguments of the configuration script.
type AnsibleParams struct {
	EnvironmentPath     string
	EnvironmentTemplate string
	DocTemplate         string
	Roles               []string
	GitlabProjectName   string
	InstanceName        string
	HashedName          string
	// PlaybookRepo is the playbook repository with default credentials injected.
	PlaybookRepo string
	// ProjectRemote is the project repository with the project credentials injected.
	ProjectRemote string
	GitlabHost    string
	GenerateDNS   string
	UserEmail     string
	// UserRemote is https://<email local part>:<token>@<repo>.
	UserRemote     string
	RootPassword   string
	RunnersToken   string
	AccessPassword string
	RootDNSZone    string
	Centralized    string
	Args           map[string]any
}

// Enabled reports whether the configuration stage runs at all.
func (s *Stager) Enabled() bool {
	return s.cfg.PlaybookRepoURL != ""
}

// SetupAnsible writes the environment templates into dir and runs the configuration
// script there. Template files are removed whatever the outcome.
func (s *Stager) SetupAnsible(ctx context.Context, dir string, p AnsibleParams) error {
	if !s.Enabled() || p.UserRemote == "" {
		return nil
	}

	if p.RootPassword == "" {
		p.RootPassword = GeneratePassword(20)
	}
	if p.AccessPassword == "" {
		p.AccessPassword = GeneratePassword(20)
	}

	defer s.removeTemplates(dir)
	if err := writeTemplates(dir, p); err != nil {
		return err
	}

	args := []string{s.cfg.ScriptPath,
		"-e", p.EnvironmentPath,
		"-g", p.GitlabProjectName,
		"-n", p.InstanceName,
		"-x", p.HashedName,
		"-c", p.PlaybookRepo,
		"-o", p.ProjectRemote,
		"-j", p.GitlabHost,
		"-q", p.GenerateDNS,
		"-m", s.cfg.GitEmail,
		"-b", p.UserEmail,
		"-u", s.cfg.GitUsername,
		"-l", p.UserRemote,
		"-p", p.RootPassword,
		"-t", p.RunnersToken,
		"-z", p.AccessPassword,
		"-d", p.RootDNSZone,
		"-s", p.Centralized,
	}
	args = append(args, p.Roles...)

	log := s.logger.WithFields(logrus.Fields{
		"instance": p.HashedName,
		"dir":      dir,
	})
	log.Info("Running configuration script")
	out, err := s.runner.Run(ctx, dir, []string{"ANSIBLE_RENDER_DIR=" + dir}, "bash", args...)
	if err != nil {
		log.WithField("output", string(out)).Warn("Configuration script failed")
		return fmt.Errorf("configuration script failed: %w", err)
	}
	log.Debug("Configuration script finished")
	return nil
}

func writeTemplates(dir string, p AnsibleParams) error {
	if len(p.Args) > 0 {
		data, err := json.Marshal(map[string]any{"args": p.Args})
		if err != nil {
			return fmt.Errorf("failed to encode args: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, argsFile), data, 0o600); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, envTemplateFile), []byte(p.EnvironmentTemplate), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, docTemplateFile), []byte(p.DocTemplate), 0o600)
}

func (s *Stager) removeTemplates(dir string) {
	for _, name := range []string{envTemplateFile, docTemplateFile, argsFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("file", name).Debug("Failed to remove template file")
		}
	}
}

// GeneratePassword returns n random bytes encoded as URL-safe base64.
func GeneratePassword(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
