package kvserver

import (
	"context"
	"strings"

	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/pubsub"
	"github.com/kvstored/kvstored/internal/resp"
)

// registerPubSubCommands wires channel and pattern subscription
// management plus publishing, per §7. Delivery of published messages
// to a subscribed connection happens asynchronously through the
// per-connection goroutine started by Conn.startDelivery, not through
// these handlers directly.
func registerPubSubCommands(t *dispatchTable) {
	t.register("SUBSCRIBE", -2, flagPubsubAllowed, cmdSubscribe)
	t.register("UNSUBSCRIBE", -1, flagPubsubAllowed, cmdUnsubscribe)
	t.register("PSUBSCRIBE", -2, flagPubsubAllowed, cmdPSubscribe)
	t.register("PUNSUBSCRIBE", -1, flagPubsubAllowed, cmdPUnsubscribe)
	t.register("PUBLISH", 3, 0, cmdPublish)
	t.register("PUBSUB", -2, 0, cmdPubSub)
}

func writeSubAck(c *Conn, kind, channel string, count int) {
	_ = resp.WriteArrayHeader(c.bw, 3)
	_ = resp.WriteBulkString(c.bw, kind)
	if channel == "" {
		_ = resp.WriteNullBulk(c.bw)
	} else {
		_ = resp.WriteBulkString(c.bw, channel)
	}
	_ = resp.WriteInteger(c.bw, int64(count))
}

// writePubSubMessage writes one asynchronously delivered publish to
// the subscribing connection, called by Conn.startDelivery under bwMu.
func writePubSubMessage(c *Conn, msg *pubsub.Message) {
	if msg.Pattern == "" {
		_ = resp.WriteArrayHeader(c.bw, 3)
		_ = resp.WriteBulkString(c.bw, "message")
		_ = resp.WriteBulkString(c.bw, msg.Channel)
		_ = resp.WriteBulk(c.bw, msg.Payload)
		return
	}
	_ = resp.WriteArrayHeader(c.bw, 4)
	_ = resp.WriteBulkString(c.bw, "pmessage")
	_ = resp.WriteBulkString(c.bw, msg.Pattern)
	_ = resp.WriteBulkString(c.bw, msg.Channel)
	_ = resp.WriteBulk(c.bw, msg.Payload)
}

func cmdSubscribe(_ context.Context, s *Server, c *Conn, args [][]byte) {
	for _, a := range args[1:] {
		channel := string(a)
		sub, count := s.PubSub.Subscribe(c.id, channel)
		c.sub = sub
		c.subChannels[channel] = true
		c.subCount = count
		c.startDelivery()
		writeSubAck(c, "subscribe", channel, count)
	}
}

func cmdUnsubscribe(_ context.Context, s *Server, c *Conn, args [][]byte) {
	channels := args[1:]
	if len(channels) == 0 {
		for ch := range c.subChannels {
			channels = append(channels, []byte(ch))
		}
		if len(channels) == 0 {
			writeSubAck(c, "unsubscribe", "", c.subCount)
			return
		}
	}
	for _, a := range channels {
		channel := string(a)
		count := s.PubSub.Unsubscribe(c.id, channel)
		delete(c.subChannels, channel)
		c.subCount = count
		writeSubAck(c, "unsubscribe", channel, count)
	}
}

func cmdPSubscribe(_ context.Context, s *Server, c *Conn, args [][]byte) {
	for _, a := range args[1:] {
		pattern := string(a)
		sub, count := s.PubSub.PSubscribe(c.id, pattern)
		c.sub = sub
		c.subPatterns[pattern] = true
		c.subCount = count
		c.startDelivery()
		writeSubAck(c, "psubscribe", pattern, count)
	}
}

func cmdPUnsubscribe(_ context.Context, s *Server, c *Conn, args [][]byte) {
	patterns := args[1:]
	if len(patterns) == 0 {
		for p := range c.subPatterns {
			patterns = append(patterns, []byte(p))
		}
		if len(patterns) == 0 {
			writeSubAck(c, "punsubscribe", "", c.subCount)
			return
		}
	}
	for _, a := range patterns {
		pattern := string(a)
		count := s.PubSub.PUnsubscribe(c.id, pattern)
		delete(c.subPatterns, pattern)
		c.subCount = count
		writeSubAck(c, "punsubscribe", pattern, count)
	}
}

func cmdPublish(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n := s.PubSub.Publish(string(args[1]), args[2])
	_ = resp.WriteInteger(c.bw, int64(n))
}

func cmdPubSub(_ context.Context, s *Server, c *Conn, args [][]byte) {
	switch strings.ToUpper(string(args[1])) {
	case "CHANNELS":
		pattern := ""
		if len(args) >= 3 {
			pattern = string(args[2])
		}
		writeBulkStrings(c, s.PubSub.ChannelsMatching(pattern))
	case "NUMSUB":
		channels := make([]string, 0, len(args)-2)
		for _, a := range args[2:] {
			channels = append(channels, string(a))
		}
		counts := s.PubSub.NumSub(channels)
		_ = resp.WriteArrayHeader(c.bw, len(channels)*2)
		for _, ch := range channels {
			_ = resp.WriteBulkString(c.bw, ch)
			_ = resp.WriteInteger(c.bw, int64(counts[ch]))
		}
	case "NUMPAT":
		_ = resp.WriteInteger(c.bw, int64(s.PubSub.NumPat()))
	default:
		writeErr(c, kverr.New(kverr.Generic, "Unknown PUBSUB subcommand or wrong number of arguments"))
	}
}
