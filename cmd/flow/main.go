// Package main provides the flow CLI for authoring, versioning and running
// workflow specs.
//
// Specs live in a registry. The backend is selected with the --store flag: a
// local directory by default, or S3 / MongoDB for shared deployments.
//
// # Basic Usage
//
// Validate a spec file:
//
//	flow validate -f triage.yaml
//
// Publish it:
//
//	flow publish -f triage.yaml --version 1.2.0
//
// Inspect the registry:
//
//	flow list
//	flow get support_triage --version 1.2.0
//
// Run a workflow:
//
//	flow run -f triage.yaml --input '{"query": "reset my password"}'
//	flow run support_triage --input-file request.json
//
// # Environment Variables
//
//   - FLOW_REGISTRY_DIR: directory for the local store (default .flow)
//   - FLOW_MODEL: default model for llm and agent nodes
//   - ANTHROPIC_API_KEY: enables Claude models in flow run
//   - OPENAI_API_KEY: enables GPT models in flow run
package main

import (
	"context"
	"os"

	"goa.design/clue/log"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
