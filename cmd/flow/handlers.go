// handlers.go implements the command logic behind the cobra tree in
// commands.go.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/flow"
	"goa.design/flow/features/model/anthropic"
	"goa.design/flow/features/model/openai"
	"goa.design/flow/registry"
	"goa.design/flow/registry/store"
	"goa.design/flow/registry/store/local"
	mongostore "goa.design/flow/registry/store/mongo"
	s3store "goa.design/flow/registry/store/s3"
	"goa.design/flow/telemetry"
	"goa.design/flow/workflow"
)

// Models used when the provider key is set but FLOW_MODEL is not.
const (
	defaultClaudeModel = "claude-sonnet-4-5"
	defaultGPTModel    = "gpt-4o"
)

func runValidate(cmd *cobra.Command, path string, noBuild bool) error {
	spec, err := loadSpecFile(path)
	if err != nil {
		return err
	}
	if noBuild {
		if err := spec.Validate(); err != nil {
			return err
		}
	} else {
		rt := flow.New()
		defer func() { _ = rt.Shutdown(time.Second) }()
		if _, err := rt.BuildWorkflow(spec); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %q is valid (%d nodes, %d edges)\n", spec.ID, len(spec.Nodes), len(spec.Edges))
	for _, cycle := range spec.DetectCycles() {
		fmt.Fprintf(out, "  loop: %s\n", strings.Join(cycle, " -> "))
	}
	return nil
}

func runPublish(cmd *cobra.Command, path, id, version string, draft bool) error {
	ctx := cmd.Context()
	if path == "" {
		reg, cleanup, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := reg.PublishWorkflow(ctx, id, version); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published workflow %q version %s\n", id, version)
		return nil
	}

	spec, err := loadSpecFile(path)
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if id == "" {
		id = spec.ID
	}
	if version == "" {
		version = spec.Version
	}
	var opts []registry.SaveOption
	if version != "" {
		opts = append(opts, registry.WithVersion(version))
	}
	stored, err := reg.SaveWorkflow(ctx, id, spec, opts...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if draft {
		fmt.Fprintf(out, "saved workflow %q version %s (draft)\n", id, stored)
		return nil
	}
	if err := reg.PublishWorkflow(ctx, id, stored); err != nil {
		return err
	}
	fmt.Fprintf(out, "published workflow %q version %s\n", id, stored)
	return nil
}

func runGet(cmd *cobra.Command, id, kindFlag, version string, listVersions bool, output string) error {
	kind, err := entityKind(kindFlag)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if listVersions {
		versions, err := reg.Versions(ctx, kind, id)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Fprintln(out, v)
		}
		return nil
	}

	rec, err := reg.Get(ctx, kind, id, version)
	if err != nil {
		return err
	}
	return printSpec(out, rec.Spec, output)
}

func runList(cmd *cobra.Command, kindFlag string, all bool) error {
	ctx := cmd.Context()
	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if all {
		for _, kind := range store.Kinds() {
			ids, err := reg.List(ctx, kind)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintf(out, "%s/%s\n", kind.Singular(), id)
			}
		}
		return nil
	}

	kind, err := entityKind(kindFlag)
	if err != nil {
		return err
	}
	ids, err := reg.List(ctx, kind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runRun(cmd *cobra.Command, id, file, version, inputArg, inputFile string, timeout time.Duration, stream, debug bool) error {
	ctx := cmd.Context()
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	input, err := decodeInput(inputArg, inputFile)
	if err != nil {
		return err
	}

	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []flow.RuntimeOption{
		flow.WithLogger(telemetry.NewClueLogger()),
		flow.WithRegistry(reg),
	}
	modelOpts, err := modelOptions()
	if err != nil {
		return err
	}
	opts = append(opts, modelOpts...)
	rt := flow.New(opts...)
	defer func() { _ = rt.Shutdown(5 * time.Second) }()

	switch {
	case file != "":
		spec, err := loadSpecFile(file)
		if err != nil {
			return err
		}
		w, err := rt.BuildWorkflow(spec)
		if err != nil {
			return err
		}
		if err := rt.RegisterWorkflow(w); err != nil {
			return err
		}
		id = w.ID()
	case version != "":
		w, err := rt.LoadWorkflow(ctx, id, version)
		if err != nil {
			return err
		}
		if err := rt.RegisterWorkflow(w); err != nil {
			return err
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res *workflow.Result
	if stream {
		s, err := rt.ExecuteStream(ctx, id, input)
		if err != nil {
			return err
		}
		for step := range s.Steps() {
			log.Print(ctx, log.KV{K: "node", V: step.NodeID})
		}
		if res, err = s.Result(); err != nil {
			return err
		}
	} else {
		if res, err = rt.Execute(ctx, id, input); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for res.Status == workflow.ExecSuspended && res.Pending != nil {
		answer, err := readPendingInput(cmd.ErrOrStderr(), scanner, res.Pending)
		if err != nil {
			return err
		}
		if res, err = rt.Resume(ctx, res.Context.ExecutionID(), answer); err != nil {
			return err
		}
	}

	return printResult(cmd, res)
}

// modelOptions wires a model client from the provider API keys in the
// environment, Anthropic first.
func modelOptions() ([]flow.RuntimeOption, error) {
	name := os.Getenv("FLOW_MODEL")
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if name == "" {
			name = defaultClaudeModel
		}
		client, err := anthropic.NewFromAPIKey(key, name)
		if err != nil {
			return nil, err
		}
		return []flow.RuntimeOption{flow.WithModelClient(client), flow.WithDefaultModel(name)}, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if name == "" {
			name = defaultGPTModel
		}
		client, err := openai.NewFromAPIKey(key, name)
		if err != nil {
			return nil, err
		}
		return []flow.RuntimeOption{flow.WithModelClient(client), flow.WithDefaultModel(name)}, nil
	}
	return nil, nil
}

// openRegistry builds the registry over the backend selected by the
// persistent store flags. The cleanup releases backend connections.
func openRegistry(ctx context.Context) (*registry.Registry, func(), error) {
	s, cleanup, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(s, registry.WithLogger(telemetry.NewClueLogger())), cleanup, nil
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	noop := func() {}
	switch storeCfg.kind {
	case "local":
		return local.New(storeCfg.dir), noop, nil
	case "s3":
		if storeCfg.bucket == "" {
			return nil, nil, errors.New("the s3 store needs --bucket")
		}
		s, err := s3store.NewFromConfig(ctx, s3store.Config{
			Bucket:       storeCfg.bucket,
			Region:       storeCfg.region,
			Endpoint:     storeCfg.endpoint,
			Prefix:       storeCfg.prefix,
			UsePathStyle: storeCfg.endpoint != "",
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "mongo":
		if storeCfg.mongoURI == "" {
			return nil, nil, errors.New("the mongo store needs --mongo-uri")
		}
		client, err := mongodriver.Connect(options.Client().ApplyURI(storeCfg.mongoURI))
		if err != nil {
			return nil, nil, err
		}
		s, err := mongostore.New(mongostore.Options{
			Client:     client,
			Database:   storeCfg.mongoDB,
			Collection: storeCfg.collection,
		})
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", storeCfg.kind)
	}
}

// loadSpecFile reads a YAML or JSON spec file. YAML being a JSON superset,
// one decode path covers both; the document round-trips through JSON to pick
// up the spec field names.
func loadSpecFile(path string) (*workflow.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	var spec workflow.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &spec, nil
}

func decodeInput(arg, path string) (map[string]any, error) {
	if arg != "" && path != "" {
		return nil, errors.New("use --input or --input-file, not both")
	}
	data := []byte(arg)
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return input, nil
}

// readPendingInput prompts on stderr for everything a suspended execution is
// waiting on and returns the resume payload. Lines starting with '{' or '['
// are decoded as JSON so structured field values can be entered; everything
// else stays a string.
func readPendingInput(errOut io.Writer, scanner *bufio.Scanner, pending *workflow.PendingInput) (map[string]any, error) {
	if pending.Prompt != "" {
		fmt.Fprintln(errOut, pending.Prompt)
	}
	answer := make(map[string]any)
	if pending.ApprovalMode {
		fmt.Fprint(errOut, "approve? [y/N]: ")
		line, err := readLine(scanner)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(line) {
		case "y", "yes", "true", "approve", "approved":
			answer["approved"] = true
		default:
			answer["approved"] = false
		}
	}
	for _, field := range pending.MissingFields {
		label := pending.FieldPrompts[field]
		if label == "" {
			label = field
		}
		fmt.Fprintf(errOut, "%s: ", label)
		line, err := readLine(scanner)
		if err != nil {
			return nil, err
		}
		answer[field] = fieldValue(line)
	}
	if len(answer) == 0 {
		fmt.Fprint(errOut, "input (JSON): ")
		line, err := readLine(scanner)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(line), &answer); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
	}
	return answer, nil
}

func readLine(scanner *bufio.Scanner) (string, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("stdin closed before input was provided")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func fieldValue(line string) any {
	if len(line) > 0 && (line[0] == '{' || line[0] == '[') {
		var v any
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			return v
		}
	}
	return line
}

func printResult(cmd *cobra.Command, res *workflow.Result) error {
	switch res.Status {
	case workflow.ExecCompleted:
		data, err := json.MarshalIndent(res.Output, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		fmt.Fprintf(cmd.ErrOrStderr(), "completed in %s, %d node executions\n",
			res.Elapsed.Round(time.Millisecond), res.Iterations)
		return nil
	case workflow.ExecFailed:
		if res.Err != nil {
			return res.Err
		}
		return errors.New("execution failed")
	default:
		return fmt.Errorf("execution %s", res.Status)
	}
}

func printSpec(out io.Writer, raw json.RawMessage, format string) error {
	switch format {
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := out.Write(buf.Bytes())
		return err
	case "yaml":
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func entityKind(name string) (store.Kind, error) {
	switch strings.TrimSuffix(strings.ToLower(name), "s") {
	case "workflow":
		return store.Workflows, nil
	case "node":
		return store.Nodes, nil
	case "edge":
		return store.Edges, nil
	case "tool":
		return store.Tools, nil
	}
	return "", fmt.Errorf("unknown kind %q", name)
}
