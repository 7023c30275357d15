package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/flow/workflow"
)

// DefaultMaxConcurrency bounds parallel fan-out when the config names no
// max_concurrency.
const DefaultMaxConcurrency = 5

type (
	parallelConfig struct {
		MaxConcurrency int    `json:"max_concurrency"`
		FailFast       *bool  `json:"fail_fast"`
		CollectResults string `json:"collect_results"`
	}

	builtBranch struct {
		id   string
		node workflow.Node
	}

	branchResult struct {
		idx int
		id  string
		out any
		err error
	}

	// parallelNode fans the shared input out to its branches under a
	// concurrency semaphore. Every branch runs against a context clone so
	// sibling mutations stay isolated; only the collected output reaches
	// the parent. fail_fast cancels outstanding branches on the first
	// failure, otherwise errors are collected alongside the results.
	parallelNode struct {
		id       string
		branches []builtBranch
		maxConc  int
		failFast bool
		collect  string
	}
)

func newParallel(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg parallelConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	failFast := true
	if cfg.FailFast != nil {
		failFast = *cfg.FailFast
	}
	if cfg.CollectResults == "" {
		cfg.CollectResults = "dict"
	}
	switch cfg.CollectResults {
	case "dict", "list", "merge":
	default:
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has unknown collect_results %q", ns.ID, cfg.CollectResults)
	}

	specs, err := branchSpecs(ns)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has no branches", ns.ID)
	}
	branches := make([]builtBranch, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, bs := range specs {
		if bs.ID == "" {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q has a branch without an id", ns.ID)
		}
		if seen[bs.ID] {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q has duplicate branch %q", ns.ID, bs.ID)
		}
		seen[bs.ID] = true
		node, err := f.Build(bs)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindNodeValidation, err,
				"node %q branch %q", ns.ID, bs.ID)
		}
		branches = append(branches, builtBranch{id: bs.ID, node: node})
	}
	return &parallelNode{
		id:       ns.ID,
		branches: branches,
		maxConc:  cfg.MaxConcurrency,
		failFast: failFast,
		collect:  cfg.CollectResults,
	}, nil
}

// branchSpecs accepts branches as a list of node specs or as a map of
// branch name to spec. Map entries use the name as the node id when the
// spec carries none; map order is normalized alphabetically.
func branchSpecs(ns *workflow.NodeSpec) ([]*workflow.NodeSpec, error) {
	raw, ok := ns.Config["branches"]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case []any:
		specs := make([]*workflow.NodeSpec, 0, len(v))
		for i, entry := range v {
			spec, err := decodeBranch(entry)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNodeValidation, err,
					"node %q branch %d", ns.ID, i)
			}
			specs = append(specs, spec)
		}
		return specs, nil
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		specs := make([]*workflow.NodeSpec, 0, len(names))
		for _, name := range names {
			spec, err := decodeBranch(v[name])
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNodeValidation, err,
					"node %q branch %q", ns.ID, name)
			}
			if spec.ID == "" {
				spec.ID = name
			}
			specs = append(specs, spec)
		}
		return specs, nil
	default:
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q branches must be a list or map", ns.ID)
	}
}

func decodeBranch(entry any) (*workflow.NodeSpec, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var spec workflow.NodeSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (n *parallelNode) ID() string              { return n.id }
func (n *parallelNode) Kind() workflow.NodeKind { return workflow.NodeParallel }

func (n *parallelNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, n.maxConc)
	results := make(chan branchResult, len(n.branches))
	var wg sync.WaitGroup
	for i, br := range n.branches {
		wg.Add(1)
		go func(idx int, br builtBranch) {
			defer wg.Done()
			results <- n.runBranch(runCtx, cancel, sem, wctx, input, idx, br)
		}(i, br)
	}
	wg.Wait()
	close(results)

	ordered := make([]branchResult, len(n.branches))
	for res := range results {
		ordered[res.idx] = res
	}
	return n.collectResults(ordered)
}

func (n *parallelNode) runBranch(ctx context.Context, cancel context.CancelFunc, sem chan struct{}, wctx *workflow.Context, input any, idx int, br builtBranch) (res branchResult) {
	res = branchResult{idx: idx, id: br.id}
	defer func() {
		if r := recover(); r != nil {
			res.err = workflow.NewError(workflow.KindNodeExecution, "branch %q panicked: %v", br.id, r)
			if n.failFast {
				cancel()
			}
		}
	}()
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		res.err = ctx.Err()
		return res
	}
	clone := wctx.Clone()
	res.out, res.err = br.node.Execute(ctx, clone, input)
	if res.err != nil && n.failFast {
		cancel()
	}
	return res
}

func (n *parallelNode) collectResults(ordered []branchResult) (any, error) {
	var (
		failedIDs []string
		errMsgs   []string
		canceled  []branchResult
	)
	for _, res := range ordered {
		if res.err == nil {
			continue
		}
		if errors.Is(res.err, context.Canceled) {
			canceled = append(canceled, res)
			continue
		}
		failedIDs = append(failedIDs, res.id)
		errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", res.id, res.err))
	}
	// Sibling cancellations only count as failures when nothing else
	// failed, which means the caller's context was cancelled.
	if len(failedIDs) == 0 {
		for _, res := range canceled {
			failedIDs = append(failedIDs, res.id)
			errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", res.id, res.err))
		}
	}

	if n.failFast && len(failedIDs) > 0 {
		return nil, workflow.NewError(workflow.KindParallelExecution,
			"node %q: %d of %d branches failed", n.id, len(failedIDs), len(n.branches)).
			WithDetails("failed_nodes", failedIDs, "errors", errMsgs)
	}

	var collected any
	switch n.collect {
	case "list":
		list := make([]any, 0, len(ordered))
		for _, res := range ordered {
			if res.err == nil {
				list = append(list, res.out)
			}
		}
		collected = list
	case "merge":
		merged := make(map[string]any)
		for _, res := range ordered {
			if res.err != nil {
				continue
			}
			if m, ok := asMap(res.out); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		collected = merged
	default:
		dict := make(map[string]any, len(ordered))
		for _, res := range ordered {
			if res.err == nil {
				dict[res.id] = res.out
			}
		}
		collected = dict
	}

	out := map[string]any{
		"results":       collected,
		"success_count": len(n.branches) - len(failedIDs),
		"error_count":   len(failedIDs),
	}
	if len(errMsgs) > 0 {
		out["errors"] = errMsgs
	}
	return out, nil
}
