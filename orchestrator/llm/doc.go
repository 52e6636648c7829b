// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package llm provides a unified interface and types for the completion
// backends used by the help service. It defines the canonical message and
// result shapes, a factory registry for backend implementations, and the
// Gateway that dispatches completion calls to the backend selected at
// process start.
package llm
