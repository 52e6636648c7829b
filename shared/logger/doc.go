// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package logger provides structured JSON logging shared by all help-service
// components. Each entry carries the component name, an optional request ID,
// and arbitrary key/value fields, written as one JSON object per line.
package logger
