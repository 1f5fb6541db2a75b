package overlay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/overlay/pkg/wire"
)

const discoveryLeaveTimeout = 5 * time.Second

// discovery joins a memberlist cluster where every member publishes the
// address of its inbound session as node metadata. Members' addresses are
// fed to the Hosts registry.
type discovery struct {
	n      *Network
	tm     telemetry
	mlCfg  *memberlist.Config
	ml     *memberlist.Memberlist
	advert []byte
}

func newDiscovery(n *Network) *discovery {
	return &discovery{
		n:     n,
		tm:    n.tm.with("component", "discovery"),
		mlCfg: n.cfg.mlCfg,
	}
}

func (d *discovery) start() error {
	if addr, ok := d.n.AdvertisedAddr(); ok {
		d.advert = []byte(addr.String())
	}

	cfg := d.mlCfg
	cfg.Delegate = d
	cfg.Events = d
	cfg.Logger = slog.NewLogLogger(d.tm.logger.Handler(), slog.LevelDebug)
	cfg.MetricLabels = memberlistLabels(d.tm.labels)

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	d.ml = ml

	local := ml.LocalNode()
	d.tm.logger.Info("discovery started", "name", local.Name, "addr", local.FullAddress().Addr)

	if len(d.n.cfg.neighbours) > 0 {
		joined, err := ml.Join(d.n.cfg.neighbours)
		if err != nil {
			// NB(raskyld): not fatal, neighbours may join us later.
			d.tm.logger.Warn("could not reach any neighbour", LabelError.L(err))
		} else {
			d.tm.logger.Info("joined discovery cluster", "contacted", joined)
		}
	}
	return nil
}

func (d *discovery) stop() {
	if d.ml == nil {
		return
	}
	if err := d.ml.Leave(discoveryLeaveTimeout); err != nil {
		d.tm.logger.Warn("error leaving discovery cluster", LabelError.L(err))
	}
	if err := d.ml.Shutdown(); err != nil {
		d.tm.logger.Warn("error shutting down discovery", LabelError.L(err))
	}
}

// addr is the memberlist address of the local node.
func (d *discovery) addr() string {
	if d.ml == nil {
		return ""
	}
	return d.ml.LocalNode().FullAddress().Addr
}

func (d *discovery) members() []string {
	if d.ml == nil {
		return nil
	}
	nodes := d.ml.Members()
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, fmt.Sprintf("%s@%s", node.Name, node.Address()))
	}
	return out
}

func (d *discovery) learn(node *memberlist.Node, event string) {
	logger := withLogNode(d.tm.logger, node)
	d.tm.incr(MetricDiscoveryEventCount, 1, LabelEvent.M(event))

	if node.Name == d.mlCfg.Name {
		return
	}
	if len(node.Meta) == 0 {
		logger.Debug("member does not accept connections")
		return
	}

	addr, err := wire.ParseAddr(string(node.Meta))
	if err != nil {
		logger.Warn("member advertised an invalid address", LabelError.L(err))
		return
	}
	if added := d.n.hosts.Store([]wire.Addr{addr}); added > 0 {
		logger.Info("discovered peer", LabelPeerAddr.L(addr))
		d.tm.gauge(MetricHostsKnown, float32(d.n.hosts.Len()))
	}
}

func (d *discovery) NotifyJoin(node *memberlist.Node) {
	d.learn(node, "join")
}

func (d *discovery) NotifyLeave(node *memberlist.Node) {
	d.tm.incr(MetricDiscoveryEventCount, 1, LabelEvent.M("leave"))
	withLogNode(d.tm.logger, node).Info("peer left cluster")
}

func (d *discovery) NotifyUpdate(node *memberlist.Node) {
	d.learn(node, "update")
}

func (d *discovery) NodeMeta(limit int) []byte {
	if len(d.advert) > limit {
		d.tm.logger.Error("advertised address does not fit in node metadata", "limit", limit)
		return nil
	}
	return d.advert
}

func (d *discovery) NotifyMsg([]byte) {}

func (d *discovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *discovery) LocalState(join bool) []byte { return nil }

func (d *discovery) MergeRemoteState(buf []byte, join bool) {}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With("name", node.Name, "addr", node.Address())
}
