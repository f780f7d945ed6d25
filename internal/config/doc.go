// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, saves and watches the rigrun-chat
// configuration.
//
// # Sources
//
// Values are resolved in this order, later sources winning:
//
//  1. Built-in defaults (Default)
//  2. ~/.rigrun-chat/config.toml
//  3. .env files (never overriding variables that are already set)
//  4. RIGRUN_CHAT_* environment variables
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.API.Model)
//
// Dot-notation access is used by the config command:
//
//	v, _ := cfg.Get("api.model")
//	_ = cfg.Set("storage.backend", "sqlite")
package config
