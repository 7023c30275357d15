// commands.go defines the cobra command tree. Each builder wires flags to a
// handler in handlers.go.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// storeConfig selects and configures the registry backend. The fields are
// bound to persistent flags on the root command.
type storeConfig struct {
	kind       string
	dir        string
	bucket     string
	region     string
	endpoint   string
	prefix     string
	mongoURI   string
	mongoDB    string
	collection string
}

var storeCfg storeConfig

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flow",
		Short: "Author, version and run workflow specs",
		Long: `flow manages workflow specs and executes them with the embedded engine.

Specs are versioned in a registry. The default backend is a local directory;
--store selects S3 or MongoDB for shared deployments. Published versions are
immutable.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&storeCfg.kind, "store", "local", `Registry backend: "local", "s3" or "mongo"`)
	pf.StringVar(&storeCfg.dir, "dir", defaultLocalDir(), "Directory for the local store (or set FLOW_REGISTRY_DIR)")
	pf.StringVar(&storeCfg.bucket, "bucket", "", "Bucket for the s3 store")
	pf.StringVar(&storeCfg.region, "region", "", "AWS region for the s3 store")
	pf.StringVar(&storeCfg.endpoint, "endpoint", "", "Custom S3 endpoint (MinIO and compatible stores)")
	pf.StringVar(&storeCfg.prefix, "prefix", "", "Key prefix for the s3 store")
	pf.StringVar(&storeCfg.mongoURI, "mongo-uri", "", "Connection string for the mongo store")
	pf.StringVar(&storeCfg.mongoDB, "mongo-db", "flow", "Database for the mongo store")
	pf.StringVar(&storeCfg.collection, "mongo-collection", "", "Collection for the mongo store (default flow_specs)")

	rootCmd.AddCommand(
		buildValidateCmd(),
		buildPublishCmd(),
		buildGetCmd(),
		buildListCmd(),
		buildRunCmd(),
	)

	return rootCmd
}

func defaultLocalDir() string {
	if dir := os.Getenv("FLOW_REGISTRY_DIR"); dir != "" {
		return dir
	}
	return ".flow"
}

// buildValidateCmd creates the "validate" command. It checks a spec file
// without touching the registry.
func buildValidateCmd() *cobra.Command {
	var (
		file    string
		noBuild bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow spec file",
		Long: `Validate checks the graph shape (start node, reachability, edge endpoints)
and then builds every node with the built-in factory to catch bad node
configuration. Use --no-build when the spec relies on custom node kinds that
only your application registers.`,
		Example: `  flow validate -f triage.yaml
  flow validate -f triage.yaml --no-build`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, file, noBuild)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Spec file (YAML or JSON)")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "Check the graph only, skip node construction")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// buildPublishCmd creates the "publish" command.
func buildPublishCmd() *cobra.Command {
	var (
		file    string
		id      string
		version string
		draft   bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Save a workflow spec to the registry and mark it published",
		Long: `Publish validates the spec, stores it as a new version and marks that
version immutable. Without --version the registry assigns the next patch
version. --draft stores the version without publishing; promote a stored
draft later by running publish with --id and --version and no file.`,
		Example: `  flow publish -f triage.yaml
  flow publish -f triage.yaml --version 2.0.0
  flow publish -f triage.yaml --version 2.1.0 --draft
  flow publish --id support_triage --version 2.1.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && (id == "" || version == "") {
				return errors.New("provide a spec file, or --id and --version to promote a stored draft")
			}
			return runPublish(cmd, file, id, version, draft)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Spec file (YAML or JSON)")
	cmd.Flags().StringVar(&id, "id", "", "Workflow id (defaults to the spec id)")
	cmd.Flags().StringVar(&version, "version", "", "Version to assign (defaults to the spec version, then next patch)")
	cmd.Flags().BoolVar(&draft, "draft", false, "Save without publishing")

	return cmd
}

// buildGetCmd creates the "get" command.
func buildGetCmd() *cobra.Command {
	var (
		kind     string
		version  string
		versions bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Print a stored spec",
		Long: `Get prints the stored spec for an entity, the latest version by default.
--versions lists the stored versions instead.`,
		Example: `  flow get support_triage
  flow get support_triage --version 1.2.0 -o yaml
  flow get support_triage --versions
  flow get lookup_account --kind tool`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], kind, version, versions, output)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "workflow", `Entity kind: "workflow", "node", "edge" or "tool"`)
	cmd.Flags().StringVar(&version, "version", "", "Version to fetch (defaults to the latest)")
	cmd.Flags().BoolVar(&versions, "versions", false, "List stored versions instead of the spec")
	cmd.Flags().StringVarP(&output, "output", "o", "json", `Output format: "json" or "yaml"`)

	return cmd
}

// buildListCmd creates the "list" command.
func buildListCmd() *cobra.Command {
	var (
		kind string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entity ids",
		Example: `  flow list
  flow list --kind tool
  flow list --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, kind, all)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "workflow", `Entity kind: "workflow", "node", "edge" or "tool"`)
	cmd.Flags().BoolVar(&all, "all", false, "List every kind, ids prefixed with the kind")

	return cmd
}

// buildRunCmd creates the "run" command.
func buildRunCmd() *cobra.Command {
	var (
		file      string
		version   string
		input     string
		inputFile string
		timeout   time.Duration
		stream    bool
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Execute a workflow",
		Long: `Run executes a workflow to completion and prints its output as JSON.
The workflow comes from a spec file (-f) or from the registry by id. When a
human-input node suspends the execution the command prompts on stdin and
resumes with the answers.

Claude and GPT models are available to llm and agent nodes when
ANTHROPIC_API_KEY or OPENAI_API_KEY is set.`,
		Example: `  flow run -f triage.yaml --input '{"query": "reset my password"}'
  flow run support_triage --version 1.2.0 --input-file request.json
  flow run support_triage --stream --timeout 2m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			switch {
			case id == "" && file == "":
				return errors.New("provide a workflow id or a spec file (-f)")
			case id != "" && file != "":
				return errors.New("provide a workflow id or a spec file, not both")
			}
			return runRun(cmd, id, file, version, input, inputFile, timeout, stream, debug)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Spec file to run (YAML or JSON)")
	cmd.Flags().StringVar(&version, "version", "", "Registry version to run (defaults to the latest)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Workflow input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "File holding the workflow input JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the execution after this duration")
	cmd.Flags().BoolVar(&stream, "stream", false, "Log node completions as they happen")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
