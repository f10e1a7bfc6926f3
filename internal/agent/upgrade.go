package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/velocityeu/velocitypulse-agent/internal/version"
)

// Upgrader performs a binary upgrade to the given version. The default
// implementation only logs; packaging-specific installers plug in here.
type Upgrader interface {
	Upgrade(ctx context.Context, version string) error
}

// LogUpgrader satisfies Upgrader without touching the binary. Deployments
// that upgrade through a package manager use this and act on the log.
type LogUpgrader struct {
	Logger *zap.Logger
}

func (u LogUpgrader) Upgrade(_ context.Context, version string) error {
	u.Logger.Info("upgrade requested, no installer configured", zap.String("version", version))
	return nil
}

// upgradeBlockReason applies the upgrade policy to a requested version and
// returns a human-readable reason when the upgrade may not proceed, or ""
// when it may.
func (a *Agent) upgradeBlockReason(target string) string {
	rt := a.cfg.Runtime()
	if !rt.EnableAutoUpgrade {
		return "auto-upgrade disabled"
	}
	if !shouldAutoUpgrade(target, version.Version, rt.AllowMinorUpgrade) {
		return fmt.Sprintf("version %s not allowed by upgrade policy (current %s)", target, version.Version)
	}
	return ""
}

// shouldAutoUpgrade decides whether the agent may move from current to
// latest on its own. Major version jumps are never automatic, minor jumps
// require the allowMinor opt-in, patch releases always qualify.
func shouldAutoUpgrade(latest, current string, allowMinor bool) bool {
	lv := canonicalVersion(latest)
	cv := canonicalVersion(current)
	if !semver.IsValid(lv) || !semver.IsValid(cv) {
		return false
	}
	if semver.Compare(lv, cv) <= 0 {
		return false
	}
	if semver.Major(lv) != semver.Major(cv) {
		return false
	}
	if semver.MajorMinor(lv) != semver.MajorMinor(cv) {
		return allowMinor
	}
	return true
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
