// Package bootstrap prepares a freshly created instance to serve a session.
// Image-based instances already carry the runtime and service definitions and
// only need the supervisor started; scratch instances need all three steps.
package bootstrap

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/lzjever/mbos-fleet/internal/provider"
)

//go:embed assets
var assets embed.FS

const (
	SupervisorConfPath = "/etc/supervisor/supervisord.conf"
	ServiceDir         = "/etc/supervisor/conf.d"
	installScriptPath  = "/opt/fleet/install-runtime.sh"
)

// Runner is the slice of the provisioning API bootstrap needs.
type Runner interface {
	RunCommand(ctx context.Context, id string, cmd provider.Command) (*provider.CommandResult, error)
	WriteFiles(ctx context.Context, id string, files []provider.File) error
}

// ServiceFiles returns the supervisor configuration and every service
// definition, rooted at their install paths.
func ServiceFiles() ([]provider.File, error) {
	conf, err := assets.ReadFile("assets/supervisord.conf")
	if err != nil {
		return nil, err
	}
	files := []provider.File{{Path: SupervisorConfPath, Content: conf}}

	names, err := fs.Glob(assets, "assets/services/*.conf")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := assets.ReadFile(name)
		if err != nil {
			return nil, err
		}
		files = append(files, provider.File{Path: path.Join(ServiceDir, path.Base(name)), Content: b})
	}
	return files, nil
}

func UploadServices(ctx context.Context, r Runner, instanceID string) error {
	files, err := ServiceFiles()
	if err != nil {
		return fmt.Errorf("load service files: %w", err)
	}
	if err := r.WriteFiles(ctx, instanceID, files); err != nil {
		return fmt.Errorf("upload services: %w", err)
	}
	return nil
}

func InstallRuntime(ctx context.Context, r Runner, instanceID string) error {
	script, err := assets.ReadFile("assets/install-runtime.sh")
	if err != nil {
		return fmt.Errorf("load install script: %w", err)
	}
	if err := r.WriteFiles(ctx, instanceID, []provider.File{{Path: installScriptPath, Content: script, Mode: 0o755}}); err != nil {
		return fmt.Errorf("upload install script: %w", err)
	}
	if _, err := r.RunCommand(ctx, instanceID, provider.Command{Cmd: "bash", Args: []string{installScriptPath}, Sudo: true}); err != nil {
		return fmt.Errorf("install runtime: %w", err)
	}
	return nil
}

func StartSupervisor(ctx context.Context, r Runner, instanceID string) error {
	cmd := provider.Command{Cmd: "supervisord", Args: []string{"-c", SupervisorConfPath}, Sudo: true}
	if _, err := r.RunCommand(ctx, instanceID, cmd); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	return nil
}
