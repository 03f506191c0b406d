// Command horus-node runs a single HORUS node: it wires the topic cache,
// transport selector, adaptive copier, and pub/sub hub into a scheduler
// that ticks a small set of built-in nodes (a TF-publishing node and an
// interrupt-stats reporter) at a fixed cooperative rate.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/horus-robotics/horus/internal/cache"
	"github.com/horus-robotics/horus/internal/copier"
	"github.com/horus-robotics/horus/internal/hub"
	"github.com/horus-robotics/horus/internal/interrupt"
	"github.com/horus-robotics/horus/internal/log"
	"github.com/horus-robotics/horus/internal/rtos"
	"github.com/horus-robotics/horus/internal/scheduler"
	"github.com/horus-robotics/horus/internal/tf"
	"github.com/horus-robotics/horus/internal/transform"
	"github.com/horus-robotics/horus/internal/transport"
)

func main() {
	logger := log.Default("horus-node")

	topicCache := cache.New(cache.DefaultConfig())
	defer topicCache.Close()

	selector := transport.NewSelector(transport.DefaultPreferences())
	sender := copier.New(copier.RoboticsConfig())
	endpoint := hub.New(hub.Config{NodeID: "horus-node"}, topicCache, selector, sender)
	defer endpoint.Close()

	frames := tf.New("world")

	rt := rtos.New()
	if err := rt.Init(); err != nil {
		logger.Error("rtos backend init failed", log.Err(err))
		os.Exit(1)
	}
	logger.Info("rtos backend ready", log.String("platform", rt.Platform()))

	vectors := interrupt.NewVectorTable()

	sched := scheduler.New("horus-node")
	sched.Register(newTFBridgeNode(frames, endpoint), "tf_bridge", 10, true)
	sched.Register(newDiagnosticsNode(vectors, endpoint), "diagnostics", 90, true)

	if err := sched.TickAll(nil); err != nil {
		logger.Error("scheduler exited with error", log.Err(err))
		os.Exit(1)
	}
}

// tfBridgeNode advances a synthetic base_link pose each tick and
// publishes it to the "tf/base_link" topic through the hub.
type tfBridgeNode struct {
	tree     *tf.Tree
	endpoint *hub.Endpoint
	tick     uint64
}

func newTFBridgeNode(tree *tf.Tree, endpoint *hub.Endpoint) *tfBridgeNode {
	return &tfBridgeNode{tree: tree, endpoint: endpoint}
}

func (n *tfBridgeNode) Init(ctx *scheduler.NodeContext) error {
	ctx.SetPublishers([]scheduler.TopicDescriptor{{Topic: "tf/base_link", Type: "transform.Transform"}})
	return n.tree.AddStaticTransform(n.tree.Root(), "odom", transform.Identity())
}

func (n *tfBridgeNode) Tick(ctx *scheduler.NodeContext) error {
	n.tick++
	pose := transform.FromTranslation(transform.Vec3{float64(n.tick) * 0.01, 0, 0})
	if err := n.tree.AddTransform("odom", "base_link", pose, n.tick); err != nil {
		return err
	}

	encoded := encodeTransform(pose, n.tick)
	if _, err := n.endpoint.Publish(context.Background(), "tf/base_link", encoded); err != nil {
		ctx.SetHealth(scheduler.HealthDegraded)
		return err
	}
	ctx.SetHealth(scheduler.HealthHealthy)
	return nil
}

func (n *tfBridgeNode) Shutdown(*scheduler.NodeContext) error { return nil }

func encodeTransform(t transform.Transform, ts uint64) []byte {
	return []byte(fmt.Sprintf("ts=%d tx=%.4f ty=%.4f tz=%.4f", ts, t.Translation[0], t.Translation[1], t.Translation[2]))
}

// diagnosticsNode publishes interrupt-controller stats to a "diag/node"
// topic for external monitors.
type diagnosticsNode struct {
	vectors  *interrupt.VectorTable
	endpoint *hub.Endpoint
}

func newDiagnosticsNode(vectors *interrupt.VectorTable, endpoint *hub.Endpoint) *diagnosticsNode {
	return &diagnosticsNode{vectors: vectors, endpoint: endpoint}
}

func (n *diagnosticsNode) Init(ctx *scheduler.NodeContext) error {
	ctx.SetPublishers([]scheduler.TopicDescriptor{{Topic: "diag/node", Type: "string"}})
	return nil
}

func (n *diagnosticsNode) Tick(ctx *scheduler.NodeContext) error {
	stats := n.vectors.Stats()
	report := fmt.Sprintf("handled=%d spurious=%d unhandled=%d",
		stats.TotalCount(), stats.SpuriousCount(), stats.UnhandledCount())
	_, err := n.endpoint.Publish(context.Background(), "diag/node", []byte(report))
	return err
}

func (n *diagnosticsNode) Shutdown(*scheduler.NodeContext) error { return nil }
