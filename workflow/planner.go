package workflow

import "context"

// MaterializeRun resolves the latest published version of treeKey and
// inserts a pending WorkflowRun plus one pending RunNode per TreeNode,
// atomically.
func MaterializeRun(ctx context.Context, store Store, treeKey string) (WorkflowRun, []RunNode, error) {
	tree, err := store.GetPublishedTree(ctx, treeKey)
	if err != nil {
		return WorkflowRun{}, nil, err
	}
	nodes, err := store.ListTreeNodes(ctx, tree.ID)
	if err != nil {
		return WorkflowRun{}, nil, err
	}
	return store.MaterializeRun(ctx, tree.ID, nodes)
}
