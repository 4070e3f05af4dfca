package validator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kubescape/cgrules-agent/pkg/config"
)

// VerifyPrerequisites checks that the agent can run on the current system:
// root privileges for the netlink subscription and cgroup writes, a mounted
// proc filesystem, and a reachable cgroup hierarchy.
func VerifyPrerequisites(cfg config.Config) error {
	if err := checkRoot(); err != nil {
		return err
	}
	if err := checkProcMount(cfg.ProcRoot); err != nil {
		return err
	}
	if err := checkCgroupMount(cfg.CgroupRoot); err != nil {
		return err
	}
	// Log a warning if the connector interface is not visible (but don't
	// return an error because the subscription itself is the real probe).
	if err := checkConnector(cfg.ProcRoot); err != nil {
		logger.L().Warning("proc connector support not detected", helpers.Error(err))
	}
	return nil
}

func checkRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("the agent must run as root to subscribe to the proc connector")
	}
	return nil
}

func checkProcMount(procRoot string) error {
	if _, err := os.Stat(filepath.Join(procRoot, "self", "status")); err != nil {
		return fmt.Errorf("proc filesystem not mounted at %s: %w", procRoot, err)
	}
	return nil
}

func checkCgroupMount(cgroupRoot string) error {
	info, err := os.Stat(cgroupRoot)
	if err != nil {
		return fmt.Errorf("cgroup hierarchy not mounted at %s: %w", cgroupRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cgroup root %s is not a directory", cgroupRoot)
	}
	return nil
}

func checkConnector(procRoot string) error {
	if _, err := os.Stat(filepath.Join(procRoot, "net", "netlink")); err != nil {
		return errors.New("netlink interface not visible under proc")
	}
	return nil
}
