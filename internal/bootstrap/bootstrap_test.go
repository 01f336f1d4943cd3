package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubRunner struct {
	dir   string
	env   []string
	name  string
	args  []string
	files []string
	err   error
}

func (r *stubRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	r.dir, r.env, r.name, r.args = dir, env, name, args
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		r.files = append(r.files, e.Name())
	}
	return []byte("output"), r.err
}

func newTestStager(t *testing.T, runner CommandRunner) *Stager {
	t.Helper()
	return NewStager(Config{
		PlaybookRepoURL: "https://git.example.com/playbooks.git",
		ScriptPath:      "/opt/ansible_script.sh",
		WorkDir:         t.TempDir(),
		GitUsername:     "fleetforge",
		GitEmail:        "bot@example.com",
		APIURL:          "https://api.example.com",
	}, runner, nil)
}

func testParams() AnsibleParams {
	return AnsibleParams{
		EnvironmentPath:     "web",
		EnvironmentTemplate: "env: {{ name }}",
		DocTemplate:         "# {{ name }}",
		Roles:               []string{"nginx", "php"},
		GitlabProjectName:   "app",
		InstanceName:        "demo",
		HashedName:          "demo-abc123",
		PlaybookRepo:        "https://u:t@git.example.com/playbooks.git",
		ProjectRemote:       "https://p:t@git.example.com/app.git",
		GitlabHost:          "git.example.com",
		GenerateDNS:         "true",
		UserEmail:           "alice@example.com",
		UserRemote:          "https://alice:t@git.example.com/app.git",
		RootPassword:        "rootpw",
		RunnersToken:        "rt",
		AccessPassword:      "accesspw",
		RootDNSZone:         "example.com",
		Centralized:         "none",
	}
}

func TestSetupAnsibleCommandLine(t *testing.T) {
	runner := &stubRunner{}
	s := newTestStager(t, runner)
	dir, err := s.TaskDir("task-1")
	if err != nil {
		t.Fatalf("TaskDir() error = %v", err)
	}

	if err := s.SetupAnsible(context.Background(), dir, testParams()); err != nil {
		t.Fatalf("SetupAnsible() error = %v", err)
	}

	want := []string{"/opt/ansible_script.sh",
		"-e", "web", "-g", "app", "-n", "demo", "-x", "demo-abc123",
		"-c", "https://u:t@git.example.com/playbooks.git",
		"-o", "https://p:t@git.example.com/app.git",
		"-j", "git.example.com", "-q", "true",
		"-m", "bot@example.com", "-b", "alice@example.com", "-u", "fleetforge",
		"-l", "https://alice:t@git.example.com/app.git",
		"-p", "rootpw", "-t", "rt", "-z", "accesspw", "-d", "example.com", "-s", "none",
		"nginx", "php"}
	if runner.name != "bash" {
		t.Errorf("command = %q, want bash", runner.name)
	}
	if strings.Join(runner.args, " ") != strings.Join(want, " ") {
		t.Errorf("args =\n%v\nwant\n%v", runner.args, want)
	}
	if runner.dir != dir {
		t.Errorf("working dir = %q, want %q", runner.dir, dir)
	}
	if len(runner.env) != 1 || runner.env[0] != "ANSIBLE_RENDER_DIR="+dir {
		t.Errorf("env = %v", runner.env)
	}

	// args were empty so no args file
	if strings.Join(runner.files, ",") != "instance_name.md.j2,instance_name.yml.j2" {
		t.Errorf("files during run = %v", runner.files)
	}
	for _, name := range []string{envTemplateFile, docTemplateFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still present after run", name)
		}
	}
}

func TestSetupAnsibleWritesArgsAndCleansOnFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("exit status 2")}
	s := newTestStager(t, runner)
	dir, _ := s.TaskDir("task-2")

	p := testParams()
	p.Args = map[string]any{"php_version": "8.2"}
	p.RootPassword = ""

	if err := s.SetupAnsible(context.Background(), dir, p); err == nil {
		t.Fatal("SetupAnsible() returned nil for failing script")
	}

	found := false
	for _, f := range runner.files {
		if f == argsFile {
			found = true
		}
	}
	if !found {
		t.Errorf("args file not written, files = %v", runner.files)
	}
	if _, err := os.Stat(filepath.Join(dir, argsFile)); !os.IsNotExist(err) {
		t.Error("args file left behind")
	}

	// empty root password is regenerated
	for i, a := range runner.args {
		if a == "-p" && runner.args[i+1] == "" {
			t.Error("root password was not regenerated")
		}
	}
}

func TestSetupAnsibleDisabled(t *testing.T) {
	runner := &stubRunner{}
	s := NewStager(Config{WorkDir: t.TempDir()}, runner, nil)
	if err := s.SetupAnsible(context.Background(), t.TempDir(), testParams()); err != nil {
		t.Fatalf("SetupAnsible() error = %v", err)
	}
	if runner.name != "" {
		t.Error("script ran without a playbook repository")
	}
}

func TestRenderCloudInit(t *testing.T) {
	s := newTestStager(t, nil)
	dir, _ := s.TaskDir("task-3")

	path, err := s.RenderCloudInit(dir, "aws.yml.tmpl", CloudInitData{
		DynamicRepo:       "https://u:t@git.example.com/app.git",
		InstanceID:        7,
		GitlabProjectName: "app",
		InstanceName:      "demo",
		Debug:             "false",
		Centralized:       "true",
		SSHAuthorizedKey:  "ssh-ed25519 AAAA operator",
	})
	if err != nil {
		t.Fatalf("RenderCloudInit() error = %v", err)
	}
	if path != filepath.Join(dir, CloudInitFile) {
		t.Errorf("path = %q", path)
	}

	data, _ := os.ReadFile(path)
	out := string(data)
	for _, want := range []string{
		"#cloud-config",
		"INSTANCE_ID=7",
		"git clone https://u:t@git.example.com/app.git /opt/app",
		"user.email \"bot@example.com\"",
		"API_URL=https://api.example.com",
		"ssh-ed25519 AAAA operator",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("cloud-init missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "bootstrap.sh") {
		t.Error("centralized instance runs the local bootstrap")
	}

	// a second render overwrites the first
	if _, err := s.RenderCloudInit(dir, "mock.yml.tmpl", CloudInitData{InstanceName: "other"}); err != nil {
		t.Fatalf("RenderCloudInit(mock) error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "INSTANCE_ID") {
		t.Error("previous render not truncated")
	}
}

func TestRenderCloudInitOverrideDir(t *testing.T) {
	override := t.TempDir()
	os.WriteFile(filepath.Join(override, "aws.yml.tmpl"), []byte("custom {{ .InstanceName }}"), 0o600)

	s := NewStager(Config{WorkDir: t.TempDir(), TemplatesDir: override}, nil, nil)
	dir, _ := s.TaskDir("t")
	path, err := s.RenderCloudInit(dir, "aws.yml.tmpl", CloudInitData{InstanceName: "demo"})
	if err != nil {
		t.Fatalf("RenderCloudInit() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "custom demo" {
		t.Errorf("rendered %q", data)
	}

	if _, err := s.RenderCloudInit(dir, "nope.yml.tmpl", CloudInitData{}); err == nil {
		t.Error("unknown template accepted")
	}
}

func TestTaskDirsAreIsolated(t *testing.T) {
	s := newTestStager(t, nil)
	a, _ := s.TaskDir("a")
	b, _ := s.TaskDir("b")
	if a == b {
		t.Fatal("task directories collide")
	}
	s.Cleanup(a)
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("Cleanup() left the directory")
	}
	if _, err := os.Stat(b); err != nil {
		t.Error("Cleanup() removed another task's directory")
	}
}

func TestGeneratePassword(t *testing.T) {
	p1, p2 := GeneratePassword(20), GeneratePassword(20)
	if p1 == p2 {
		t.Error("passwords repeat")
	}
	if len(p1) != 27 {
		t.Errorf("len = %d, want 27", len(p1))
	}
	if strings.ContainsAny(p1, "+/=") {
		t.Errorf("password %q is not URL-safe", p1)
	}
}
