package registry

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/flow/registry/store"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
)

// SaveWorkflow stores spec as a new version of the workflow and returns the
// assigned version. The id falls back to spec.ID when empty.
func (r *Registry) SaveWorkflow(ctx context.Context, id string, spec *workflow.Spec, opts ...SaveOption) (string, error) {
	if spec == nil {
		return "", errors.New("workflow spec is required")
	}
	if id == "" {
		id = spec.ID
	}
	return r.Save(ctx, store.Workflows, id, spec, opts...)
}

// GetWorkflow returns the workflow spec at the given version, or the latest
// when version is empty. The returned spec carries the stored version.
func (r *Registry) GetWorkflow(ctx context.Context, id, version string) (*workflow.Spec, error) {
	rec, err := r.Get(ctx, store.Workflows, id, version)
	if err != nil {
		return nil, err
	}
	var spec workflow.Spec
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "decode workflow %q version %s", id, rec.Version)
	}
	spec.Version = rec.Version
	return &spec, nil
}

// DeleteWorkflow removes the workflow and all of its versions.
func (r *Registry) DeleteWorkflow(ctx context.Context, id string) error {
	return r.Delete(ctx, store.Workflows, id)
}

// ListWorkflows returns the ids of all stored workflows, sorted.
func (r *Registry) ListWorkflows(ctx context.Context) ([]string, error) {
	return r.List(ctx, store.Workflows)
}

// PublishWorkflow marks the workflow version immutable.
func (r *Registry) PublishWorkflow(ctx context.Context, id, version string) error {
	return r.Publish(ctx, store.Workflows, id, version)
}

// SaveNode stores spec as a new version of the node and returns the assigned
// version. The id falls back to spec.ID when empty.
func (r *Registry) SaveNode(ctx context.Context, id string, spec *workflow.NodeSpec, opts ...SaveOption) (string, error) {
	if spec == nil {
		return "", errors.New("node spec is required")
	}
	if id == "" {
		id = spec.ID
	}
	return r.Save(ctx, store.Nodes, id, spec, opts...)
}

// GetNode returns the node spec at the given version, or the latest when
// version is empty.
func (r *Registry) GetNode(ctx context.Context, id, version string) (*workflow.NodeSpec, error) {
	rec, err := r.Get(ctx, store.Nodes, id, version)
	if err != nil {
		return nil, err
	}
	var spec workflow.NodeSpec
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "decode node %q version %s", id, rec.Version)
	}
	return &spec, nil
}

// DeleteNode removes the node and all of its versions.
func (r *Registry) DeleteNode(ctx context.Context, id string) error {
	return r.Delete(ctx, store.Nodes, id)
}

// ListNodes returns the ids of all stored nodes, sorted.
func (r *Registry) ListNodes(ctx context.Context) ([]string, error) {
	return r.List(ctx, store.Nodes)
}

// PublishNode marks the node version immutable.
func (r *Registry) PublishNode(ctx context.Context, id, version string) error {
	return r.Publish(ctx, store.Nodes, id, version)
}

// SaveEdge stores spec as a new version of the edge and returns the assigned
// version. The id falls back to spec.ID when empty.
func (r *Registry) SaveEdge(ctx context.Context, id string, spec *workflow.EdgeSpec, opts ...SaveOption) (string, error) {
	if spec == nil {
		return "", errors.New("edge spec is required")
	}
	if id == "" {
		id = spec.ID
	}
	return r.Save(ctx, store.Edges, id, spec, opts...)
}

// GetEdge returns the edge spec at the given version, or the latest when
// version is empty.
func (r *Registry) GetEdge(ctx context.Context, id, version string) (*workflow.EdgeSpec, error) {
	rec, err := r.Get(ctx, store.Edges, id, version)
	if err != nil {
		return nil, err
	}
	var spec workflow.EdgeSpec
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "decode edge %q version %s", id, rec.Version)
	}
	return &spec, nil
}

// DeleteEdge removes the edge and all of its versions.
func (r *Registry) DeleteEdge(ctx context.Context, id string) error {
	return r.Delete(ctx, store.Edges, id)
}

// ListEdges returns the ids of all stored edges, sorted.
func (r *Registry) ListEdges(ctx context.Context) ([]string, error) {
	return r.List(ctx, store.Edges)
}

// PublishEdge marks the edge version immutable.
func (r *Registry) PublishEdge(ctx context.Context, id, version string) error {
	return r.Publish(ctx, store.Edges, id, version)
}

// SaveTool stores spec as a new version of the tool and returns the assigned
// version. The id falls back to spec.ID when empty.
func (r *Registry) SaveTool(ctx context.Context, id string, spec *tools.Spec, opts ...SaveOption) (string, error) {
	if spec == nil {
		return "", errors.New("tool spec is required")
	}
	if id == "" {
		id = spec.ID
	}
	return r.Save(ctx, store.Tools, id, spec, opts...)
}

// GetTool returns the tool spec at the given version, or the latest when
// version is empty. The returned spec carries the stored version.
func (r *Registry) GetTool(ctx context.Context, id, version string) (*tools.Spec, error) {
	rec, err := r.Get(ctx, store.Tools, id, version)
	if err != nil {
		return nil, err
	}
	var spec tools.Spec
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "decode tool %q version %s", id, rec.Version)
	}
	spec.Version = rec.Version
	return &spec, nil
}

// DeleteTool removes the tool and all of its versions.
func (r *Registry) DeleteTool(ctx context.Context, id string) error {
	return r.Delete(ctx, store.Tools, id)
}

// ListTools returns the ids of all stored tools, sorted.
func (r *Registry) ListTools(ctx context.Context) ([]string, error) {
	return r.List(ctx, store.Tools)
}

// PublishTool marks the tool version immutable.
func (r *Registry) PublishTool(ctx context.Context, id, version string) error {
	return r.Publish(ctx, store.Tools, id, version)
}

// ResolveTool resolves a tool reference to its latest spec. The id wins when
// both are given; resolution by name scans stored tools for a matching
// callable name. Tool nodes use the registry through this method.
func (r *Registry) ResolveTool(ctx context.Context, id, name string) (*tools.Spec, error) {
	if id != "" {
		return r.GetTool(ctx, id, "")
	}
	if name == "" {
		return nil, errors.New("tool id or name is required")
	}
	ids, err := r.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range ids {
		spec, err := r.GetTool(ctx, candidate, "")
		if err != nil {
			if IsKind(err, KindNotFound) {
				continue
			}
			return nil, err
		}
		if spec.Name() == name {
			return spec, nil
		}
	}
	return nil, NewError(KindNotFound, "tool named %q not found", name).WithDetails("name", name)
}
