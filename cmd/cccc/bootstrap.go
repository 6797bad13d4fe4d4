package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/zixuniaowu/cccc/internal/infra/settings"
)

// bootstrapLayout stamps the on-disk directory tree and default settings
// files into dir, used by both the "init" and "upgrade" subcommands (spec
// §6's CLI surface). Existing files are left untouched so upgrade never
// clobbers an operator's edits; only missing pieces are added.
func bootstrapLayout(dir string) error {
	dirs := []string{
		"state",
		"settings",
		"rules",
		"work",
		"mailbox/PeerA/inbox",
		"mailbox/PeerA/processed",
		"mailbox/PeerB/inbox",
		"mailbox/PeerB/processed",
		"mailbox/foreman/inbox",
		"mailbox/foreman/processed",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return err
		}
	}

	set := settings.New(filepath.Join(dir, "settings"))
	agents := settings.AgentsConfig{
		PeerA: "peer-a",
		PeerB: "peer-b",
		Aux:   "aux",
		Actors: map[string]settings.ActorBinding{
			"peer-a": {ID: "peer-a", Command: "claude", Args: []string{}},
			"peer-b": {ID: "peer-b", Command: "codex", Args: []string{}},
			"aux":    {ID: "aux", Command: "claude", Args: []string{"--print"}},
		},
	}

	files := map[string]any{
		"agents.yaml":   agents,
		"policies.yaml": set.Policies(),
		"telegram.yaml": set.Telegram(),
		"slack.yaml":    set.Slack(),
		"discord.yaml":  set.Discord(),
		"wecom.yaml":    set.WeCom(),
		"foreman.yaml":  set.Foreman(),
	}
	for name, v := range files {
		path := filepath.Join(dir, "settings", name)
		if _, err := os.Stat(path); err == nil {
			continue // upgrade: never overwrite an operator's existing file
		}
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}

	return touchIfMissing(filepath.Join(dir, ".env"), "CCCC_HOME="+dir+"\nCCCC_LOG_LEVEL=info\n")
}

func touchIfMissing(path, contents string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}
