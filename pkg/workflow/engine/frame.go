package engine

import (
	"github.com/aromcp/workflow-server/pkg/workflow/def"
)

// FrameKind identifies one level of the control stack.
type FrameKind string

const (
	FrameRoot    FrameKind = "root"
	FrameBranch  FrameKind = "conditional"
	FrameWhile   FrameKind = "while"
	FrameForeach FrameKind = "foreach"
)

// Frame is one level of the explicit control-flow stack. The executor
// advances PC through Steps; loop frames own their iteration bookkeeping
// and the loop variables visible to nested frames.
type Frame struct {
	Kind  FrameKind
	Steps []def.Step
	PC    int

	// Vars holds loop variables bound for this frame: item/index/total
	// for foreach, attempt_number for while. Inner frames shadow outer.
	Vars map[string]any

	// while
	Owner         *def.Step // loop step that created this frame
	Iteration     int       // 1-based count of started iterations
	MaxIterations int

	// foreach
	Items []any
	Index int
}

// isLoop reports whether break/continue target this frame.
func (f *Frame) isLoop() bool {
	return f.Kind == FrameWhile || f.Kind == FrameForeach
}

// cursor is the execution state shared by workflow instances and
// sub-agent contexts: a frame stack plus the pending client step.
type cursor struct {
	frames  []*Frame
	pending *pendingStep
}

func newCursor(steps []def.Step) *cursor {
	return &cursor{frames: []*Frame{{Kind: FrameRoot, Steps: steps}}}
}

func (c *cursor) top() *Frame {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *cursor) push(f *Frame) {
	c.frames = append(c.frames, f)
}

func (c *cursor) pop() {
	c.frames = c.frames[:len(c.frames)-1]
}

// loopDepth returns the index of the innermost loop frame, or -1.
func (c *cursor) loopDepth() int {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].isLoop() {
			return i
		}
	}
	return -1
}

// vars collects loop variables from the outside in, so inner loop frames
// shadow outer ones.
func (c *cursor) vars() map[string]any {
	out := map[string]any{}
	for _, f := range c.frames {
		for k, v := range f.Vars {
			out[k] = v
		}
	}
	return out
}
