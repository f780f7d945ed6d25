// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives a single request/response exchange: it records the
// user message, opens a completion stream and applies each fragment to the
// session store until the reply ends, fails or is cancelled.
//
//	runner := chat.NewRunner(chat.Config{Store: store, Client: client})
//	reply, err := runner.Submit(ctx, "Hello", func(frag string) error {
//	    fmt.Print(frag)
//	    return nil
//	})
package chat
