// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration inspection and editing for rigrun-chat.
//
// Examples:
//   rigrun-chat config path
//   rigrun-chat config show --json
//   rigrun-chat config get api.model
//   rigrun-chat config set storage.backend sqlite

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-chat/internal/config"
)

// runConfig handles the config subcommands. "show" and "get" report the
// effective configuration (file, .env and environment combined) with the
// API key redacted. "set" edits the file alone, so environment values are
// never written back.
func runConfig(args Args, out io.Writer) error {
	path, err := resolveConfigPath(args.ConfigPath)
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "path":
		fmt.Fprintln(out, path)
		return nil

	case "keys":
		for _, key := range config.GetAllKeys() {
			fmt.Fprintln(out, key)
		}
		return nil

	case "show":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if args.JSON {
			fmt.Fprintln(out, cfg.String())
			return nil
		}
		fmt.Fprintf(out, "# %s\n", path)
		return toml.NewEncoder(out).Encode(cfg.Redacted())

	case "get":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		value, err := cfg.Redacted().Get(args.ConfigKey)
		if err != nil {
			return NewValidationError("key", args.ConfigKey, err.Error())
		}
		if args.JSON {
			return json.NewEncoder(out).Encode(map[string]interface{}{"key": args.ConfigKey, "value": value})
		}
		fmt.Fprintln(out, value)
		return nil

	case "set":
		return setConfigValue(path, args.ConfigKey, args.ConfigVal, out)
	}
	return NewValidationError("config subcommand", args.Subcommand, "must be path, show, keys, get or set")
}

// setConfigValue updates one key in the file at path and saves it.
func setConfigValue(path, key, value string, out io.Writer) error {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config: %w", err)
	}

	if err := cfg.Set(key, value); err != nil {
		return NewValidationError("key", key, err.Error())
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	shown := value
	if key == "api.key" {
		shown = "[REDACTED]"
	}
	fmt.Fprintf(out, "%s %s = %s\n", SuccessStyle.Render("Set"), key, shown)
	return nil
}
