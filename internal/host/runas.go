package host

import (
	"os"
	"strconv"

	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/ptyadapter"
)

// Environment variables the Host reads to de-elevate sessions it creates,
// per spec.md §6's "external interfaces" contract. They are the
// process-wide fallback, used when the config file doesn't set run_as;
// session.create payloads carry no run-as field of their own.
const (
	envRunAsUser = "MM_RUN_AS_USER"
	envRunAsSID  = "MM_RUN_AS_USER_SID"
	envRunAsUID  = "MM_RUN_AS_UID"
	envRunAsGID  = "MM_RUN_AS_GID"
)

// runAsFromEnv reads the MM_RUN_AS_* environment variables into a
// RunAsTarget, for Hosts launched without a run_as config entry.
func runAsFromEnv() hostconfig.RunAsTarget {
	return hostconfig.RunAsTarget{
		User: os.Getenv(envRunAsUser),
		SID:  os.Getenv(envRunAsSID),
		UID:  os.Getenv(envRunAsUID),
		GID:  os.Getenv(envRunAsGID),
	}
}

// resolveRunAs merges the Host's configured/default RunAsTarget onto
// ptyadapter.StartOptions. An empty target is a no-op: the shell runs as
// whatever user the Host process itself runs as.
func resolveRunAs(target hostconfig.RunAsTarget, opts *ptyadapter.StartOptions) {
	opts.RunAsUser = target.User
	opts.RunAsSID = target.SID
	if target.UID != "" {
		if uid, err := strconv.Atoi(target.UID); err == nil {
			opts.RunAsUID = uid
		}
	}
	if target.GID != "" {
		if gid, err := strconv.Atoi(target.GID); err == nil {
			opts.RunAsGID = gid
		}
	}
}
