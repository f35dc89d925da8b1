// Command tcpmidbox wires the middlebox core into a runnable pipeline: a
// shared flow table, a TCP-In/TCP-Out pair per direction, a demo payload
// rewriter spliced into the client-to-upstream direction, and a
// connection-affinity dispatch pool in front of it all.
//
// Feeding real packets in and re-emitting them onward is explicitly out of
// scope (see spec.md's Non-goals: IP-layer delivery, checksums on the wire,
// and packaging are left to the surrounding system). FeedPacket is the seam
// an external capture/injection component would call.
package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpmidbox/internal/dispatch"
	"github.com/irctrakz/tcpmidbox/internal/flowstate"
	"github.com/irctrakz/tcpmidbox/internal/rewrite"
	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/internal/tcpin"
	"github.com/irctrakz/tcpmidbox/internal/tcpout"
	"github.com/irctrakz/tcpmidbox/pkg/config"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

const (
	directionClientToUpstream = 0
	directionUpstreamToClient = 1
)

// pipeline is the assembled middlebox: a shared flow table, one TCP-In per
// direction, and the dispatch pool that feeds them.
type pipeline struct {
	table *flowstate.Table
	pool  *dispatch.Pool

	clientIn   *tcpin.Element
	upstreamIn *tcpin.Element
}

// FeedPacket decodes raw and routes it to the TCP-In of the direction named
// by fromClient, preserving four-tuple affinity across both directions of a
// flow. It is the integration seam for whatever component captures packets
// off the wire. The dispatched handler runs only that TCP-In's Process step
// and discards its result: the packet is not passed on to the direction's
// stack.Chain or TCP-Out from here.
func (p *pipeline) FeedPacket(raw []byte, fromClient bool) {
	packet, err := tcppacket.Decode(raw)
	if err != nil {
		logrus.WithError(err).Warn("dropping undecodable packet")
		return
	}

	tuple := flowstate.NewFourTuple(packet.SourceIP(), packet.DestinationIP(), packet.SourcePort(), packet.DestinationPort())
	in := p.upstreamIn
	if fromClient {
		in = p.clientIn
	}

	p.pool.Submit(dispatch.Job{
		AffinityKey: tuple.AffinityKey(),
		Packet:      packet,
		Handle: func(pkt *tcppacket.Packet) {
			in.Process(pkt)
		},
	})
}

// Start launches the dispatch workers backing this pipeline.
func (p *pipeline) Start() { p.pool.Start() }

// Stop drains and stops the dispatch workers.
func (p *pipeline) Stop() { p.pool.Stop() }

// build assembles the pipeline described by cfg. The client-to-upstream
// TCP-In's stack.Chain holds a demo rewrite.Element whose Next is that
// direction's TCP-Out, showing how a stack.Chain splices user logic between
// the connection tracker and the emitter; the reverse direction's chain is
// empty. FeedPacket does not walk these chains (see its doc).
func build(cfg *config.Config, log *logrus.Entry) *pipeline {
	table := flowstate.NewTable(cfg.Pipeline.FlowTableShards, cfg.Pipeline.FlowTablePoolSize)

	clientOut := tcpout.New("tcp-out[client->upstream]", directionClientToUpstream, log.WithField("element", "tcp-out-upstream"))
	upstreamOut := tcpout.New("tcp-out[upstream->client]", directionUpstreamToClient, log.WithField("element", "tcp-out-client"))

	var clientIn *tcpin.Element

	rewriter := rewrite.New("rewrite[client->upstream]", []byte("SECRET"), []byte("REDACT"), log.WithField("element", "rewrite"))
	rewriter.Next = clientOut
	rewriter.RequestMore = func(fcb stack.FCB, lastPacket *tcppacket.Packet) {
		clientIn.RequestMorePackets(fcb, lastPacket)
	}

	clientIn = tcpin.New("tcp-in[client->upstream]", directionClientToUpstream, table, clientOut, log.WithField("element", "tcp-in-client"))
	clientIn.Chain = stack.NewChain(rewriter)
	rewriter.Recorder = clientIn

	upstreamIn := tcpin.New("tcp-in[upstream->client]", directionUpstreamToClient, table, upstreamOut, log.WithField("element", "tcp-in-upstream"))
	upstreamIn.Chain = stack.NewChain()

	pool := dispatch.NewPool(cfg.Pipeline.DispatchWorkers, cfg.Pipeline.DispatchQueueCap, log.WithField("element", "dispatch"))

	return &pipeline{
		table:      table,
		pool:       pool,
		clientIn:   clientIn,
		upstreamIn: upstreamIn,
	}
}

func main() {
	cfg := config.DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("TCPMIDBOX_CONFIG")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logEntry := logrus.NewEntry(logrus.StandardLogger()).WithField("component", "tcpmidbox")
	logEntry.WithField("client_addr", cfg.Pipeline.ClientAddr).
		WithField("upstream_addr", cfg.Pipeline.UpstreamAddr).
		Info("starting middlebox pipeline")

	p := build(cfg, logEntry)
	p.Start()
	defer p.Stop()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
}
