// Package tf implements the coordinate-frame tree: a hierarchy of named
// frames connected by static or time-buffered dynamic transforms, with
// lowest-common-ancestor transform lookup.
package tf

import (
	"sync"

	"github.com/horus-robotics/horus/internal/herrors"
	"github.com/horus-robotics/horus/internal/ring"
	"github.com/horus-robotics/horus/internal/transform"
)

const (
	DefaultBufferCapacity = 1000
	// DefaultBufferDurationNS is informational; the ring buffer bounds
	// samples by count, not wall-clock age, matching the teacher's
	// fixed-capacity style.
	DefaultBufferDurationNS = uint64(10e9)
)

type frameNode struct {
	name            string
	parent          string
	hasParent       bool
	children        []string
	isStatic        bool
	staticTransform transform.Transform
	buffer          *ring.Buffer[transform.Transform]
}

func newRootNode(name string) *frameNode {
	return &frameNode{
		name:            name,
		isStatic:        true,
		staticTransform: transform.Identity(),
		buffer:          ring.New[transform.Transform](1),
	}
}

func newStaticNode(name, parent string, tf transform.Transform) *frameNode {
	return &frameNode{
		name:            name,
		parent:          parent,
		hasParent:       true,
		isStatic:        true,
		staticTransform: tf,
		buffer:          ring.New[transform.Transform](1),
	}
}

func newDynamicNode(name, parent string, capacity int) *frameNode {
	return &frameNode{
		name:      name,
		parent:    parent,
		hasParent: true,
		isStatic:  false,
		buffer:    ring.New[transform.Transform](capacity),
	}
}

func (f *frameNode) getTransform(ts uint64) (transform.Transform, bool) {
	if f.isStatic {
		return f.staticTransform, true
	}
	return f.buffer.GetInterpolated(ts, transform.Lerp)
}

func (f *frameNode) updateTransform(tf transform.Transform, ts uint64) {
	if f.isStatic {
		f.staticTransform = tf
		return
	}
	f.buffer.Push(ts, tf)
}

type pathPair struct {
	sourcePath []string
	targetPath []string
}

// FrameIssue is one problem found by Validate.
type FrameIssue struct {
	Frame string
	Issue error
}

// Tree manages a hierarchy of coordinate frames.
type Tree struct {
	mu             sync.RWMutex
	frames         map[string]*frameNode
	root           string
	pathCache      map[[2]string]pathPair
	bufferCapacity int
}

// New creates a tree whose root frame is named root.
func New(root string) *Tree {
	frames := make(map[string]*frameNode)
	frames[root] = newRootNode(root)
	return &Tree{
		frames:         frames,
		root:           root,
		pathCache:      make(map[[2]string]pathPair),
		bufferCapacity: DefaultBufferCapacity,
	}
}

// SetBufferCapacity changes the sample capacity used for new dynamic frames.
func (t *Tree) SetBufferCapacity(capacity int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bufferCapacity = capacity
}

// Root returns the root frame's name.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// HasFrame reports whether name exists in the tree.
func (t *Tree) HasFrame(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.frames[name]
	return ok
}

// FrameCount returns the number of frames in the tree.
func (t *Tree) FrameCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames)
}

// GetAllFrames returns every frame name.
func (t *Tree) GetAllFrames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.frames))
	for n := range t.frames {
		names = append(names, n)
	}
	return names
}

// AddStaticTransform attaches (or updates) child under parent with a fixed
// transform. Fails with ErrParentNotFound if parent is absent.
func (t *Tree) AddStaticTransform(parent, child string, tf transform.Transform) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.frames[parent]; !ok {
		return herrors.ErrParentNotFound
	}

	if existing, ok := t.frames[child]; ok {
		if existing.hasParent && existing.parent != parent {
			if old, ok := t.frames[existing.parent]; ok {
				old.children = removeString(old.children, child)
			}
		}
		existing.isStatic = true
		existing.staticTransform = tf
		existing.parent = parent
		existing.hasParent = true
		t.addChild(parent, child)
	} else {
		t.frames[child] = newStaticNode(child, parent, tf)
		t.addChild(parent, child)
	}

	t.invalidateCache()
	return nil
}

// AddTransform attaches (or updates) a dynamic, time-buffered transform for
// child relative to parent at timestamp ts.
func (t *Tree) AddTransform(parent, child string, tf transform.Transform, ts uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.frames[parent]; !ok {
		return herrors.ErrParentNotFound
	}

	if existing, ok := t.frames[child]; ok {
		existing.updateTransform(tf, ts)
		return nil
	}

	node := newDynamicNode(child, parent, t.bufferCapacity)
	node.updateTransform(tf, ts)
	t.frames[child] = node
	t.addChild(parent, child)
	t.invalidateCache()
	return nil
}

// UpdateTransform updates an existing frame's transform without touching
// its parent relationship. Fails with ErrFrameNotFound if absent.
func (t *Tree) UpdateTransform(name string, tf transform.Transform, ts uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.frames[name]
	if !ok {
		return herrors.ErrFrameNotFound
	}
	node.updateTransform(tf, ts)
	return nil
}

// addChild appends child to parent's children list if not already present.
// Caller holds t.mu for writing.
func (t *Tree) addChild(parent, child string) {
	p := t.frames[parent]
	for _, c := range p.children {
		if c == child {
			return
		}
	}
	p.children = append(p.children, child)
}

func (t *Tree) invalidateCache() {
	t.pathCache = make(map[[2]string]pathPair)
}

// LookupTransform composes the transform from source to target at ts via
// their lowest common ancestor.
func (t *Tree) LookupTransform(source, target string, ts uint64) (transform.Transform, error) {
	if source == target {
		return transform.Identity(), nil
	}

	t.mu.Lock()
	pp, err := t.pathsToCommonAncestor(source, target)
	t.mu.Unlock()
	if err != nil {
		return transform.Transform{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	result := transform.Identity()

	// Climb from source toward (but not including) the common ancestor.
	sourceFrames := pp.sourcePath
	if len(sourceFrames) > 1 {
		sourceFrames = sourceFrames[:len(sourceFrames)-1]
	} else {
		sourceFrames = sourceFrames[:0]
	}
	for _, name := range sourceFrames {
		node, ok := t.frames[name]
		if !ok {
			return transform.Transform{}, herrors.ErrFrameNotFound
		}
		tf, ok := node.getTransform(ts)
		if !ok {
			return transform.Transform{}, herrors.ErrTransformNotAvailable
		}
		result = result.Compose(tf.Inverse())
	}

	// Descend from the common ancestor toward target.
	targetFrames := pp.targetPath
	if len(targetFrames) > 1 {
		targetFrames = targetFrames[:len(targetFrames)-1]
	} else {
		targetFrames = targetFrames[:0]
	}
	for i := len(targetFrames) - 1; i >= 0; i-- {
		name := targetFrames[i]
		node, ok := t.frames[name]
		if !ok {
			return transform.Transform{}, herrors.ErrFrameNotFound
		}
		tf, ok := node.getTransform(ts)
		if !ok {
			return transform.Transform{}, herrors.ErrTransformNotAvailable
		}
		result = result.Compose(tf)
	}

	return result, nil
}

// LookupLatestTransform looks up using the maximum representable
// timestamp, which ring.Buffer clamps to its newest sample.
func (t *Tree) LookupLatestTransform(source, target string) (transform.Transform, error) {
	return t.LookupTransform(source, target, ^uint64(0))
}

// CanTransform reports whether source and target share a common ancestor.
func (t *Tree) CanTransform(source, target string) bool {
	if source == target {
		return true
	}
	t.mu.Lock()
	_, err := t.pathsToCommonAncestor(source, target)
	t.mu.Unlock()
	return err == nil
}

// GetFrameChain returns the full chain of frame names from source to
// target through their common ancestor.
func (t *Tree) GetFrameChain(source, target string) ([]string, error) {
	if source == target {
		return []string{source}, nil
	}

	t.mu.Lock()
	pp, err := t.pathsToCommonAncestor(source, target)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	chain := append([]string(nil), pp.sourcePath...)
	for i := len(pp.targetPath) - 2; i >= 0; i-- {
		chain = append(chain, pp.targetPath[i])
	}
	return chain, nil
}

// pathsToCommonAncestor walks both frames to the root, finds their lowest
// common ancestor, and caches the result. Caller holds t.mu for writing
// (the cache may be populated).
func (t *Tree) pathsToCommonAncestor(source, target string) (pathPair, error) {
	key := [2]string{source, target}
	if cached, ok := t.pathCache[key]; ok {
		return cached, nil
	}

	sourcePath := t.pathToRoot(source)
	targetPath := t.pathToRoot(target)

	for i, sf := range sourcePath {
		for j, tf := range targetPath {
			if sf == tf {
				pp := pathPair{
					sourcePath: sourcePath[:i+1],
					targetPath: targetPath[:j+1],
				}
				t.pathCache[key] = pp
				return pp, nil
			}
		}
	}

	return pathPair{}, herrors.ErrNoCommonAncestor
}

// pathToRoot walks parent pointers from name toward the root. Caller
// holds t.mu.
func (t *Tree) pathToRoot(name string) []string {
	path := []string{name}
	current := name
	for {
		node, ok := t.frames[current]
		if !ok || !node.hasParent {
			break
		}
		path = append(path, node.parent)
		current = node.parent
	}
	return path
}

// GetChildren returns parent's immediate children.
func (t *Tree) GetChildren(parent string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.frames[parent]
	if !ok {
		return nil
	}
	return append([]string(nil), node.children...)
}

// GetDescendants returns every frame reachable below parent.
func (t *Tree) GetDescendants(parent string) []string {
	children := t.GetChildren(parent)
	descendants := make([]string, 0, len(children))
	for _, c := range children {
		descendants = append(descendants, c)
		descendants = append(descendants, t.GetDescendants(c)...)
	}
	return descendants
}

// RemoveFrame deletes name and its descendants. Forbids removing the root.
func (t *Tree) RemoveFrame(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == t.root {
		return herrors.ErrFrameNotFound
	}

	node, ok := t.frames[name]
	if !ok {
		return herrors.ErrFrameNotFound
	}
	delete(t.frames, name)

	if node.hasParent {
		if parent, ok := t.frames[node.parent]; ok {
			parent.children = removeString(parent.children, name)
		}
	}

	for _, child := range node.children {
		t.removeFrameLocked(child)
	}

	t.invalidateCache()
	return nil
}

func (t *Tree) removeFrameLocked(name string) {
	node, ok := t.frames[name]
	if !ok {
		return
	}
	delete(t.frames, name)
	for _, child := range node.children {
		t.removeFrameLocked(child)
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Clear removes every frame except the root.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = map[string]*frameNode{t.root: newRootNode(t.root)}
	t.invalidateCache()
}

// Validate reports every structural issue found: missing parents, a
// non-root frame with no parent, and cycles.
func (t *Tree) Validate() []FrameIssue {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var issues []FrameIssue

	for name, node := range t.frames {
		if node.hasParent {
			if _, ok := t.frames[node.parent]; !ok {
				issues = append(issues, FrameIssue{Frame: name, Issue: herrors.ErrParentNotFound})
			}
		} else if name != t.root {
			issues = append(issues, FrameIssue{Frame: name, Issue: herrors.ErrParentNotFound})
		}
	}

	for name := range t.frames {
		visited := make(map[string]bool)
		current := name
		for {
			node, ok := t.frames[current]
			if !ok {
				break
			}
			if visited[current] {
				issues = append(issues, FrameIssue{Frame: name, Issue: herrors.ErrCycleDetected})
				break
			}
			visited[current] = true
			if !node.hasParent {
				break
			}
			current = node.parent
		}
	}

	return issues
}
