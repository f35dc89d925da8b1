// Package tcppacket provides the wire-level packet model the middlebox core
// operates on: decoding an IPv4/TCP segment from raw bytes, exposing the
// header accessors the connection tracker needs, and the payload-splicing
// primitives (RemoveBytes/InsertBytes) that back the flow buffer's edits.
//
// Decoding and checksum recomputation are built on top of
// github.com/google/gopacket and github.com/google/gopacket/layers, the same
// library the retrieval pack's packet-capture tooling uses to classify TCP
// segments off the wire.
package tcppacket

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP flag bits, mirrored from the standard header layout so callers do not
// need to import gopacket/layers themselves.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// Packet is a mutable view over one IPv4/TCP segment. It exposes the header
// fields the connection tracker and emitter need to read or rewrite, plus
// the content-offset and dirty annotations described in the external
// interfaces section of the spec.
//
// A Packet is exclusively owned while referenced from a single flow buffer
// or in flight through the tracker; Clone produces an independent copy for
// the "uniquify before mutation" step.
type Packet struct {
	raw           []byte
	ipHeaderLen   int
	tcpHeaderLen  int
	contentOffset int
	dirty         bool
}

// Decode parses raw as an IPv4/TCP segment. It returns an error for anything
// too short to hold complete IP and TCP headers, or that isn't IPv4/TCP -
// the caller (the dispatcher, standing in for the classifier the spec treats
// as an external collaborator) is expected to drop and count on error.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < 20 {
		return nil, fmt.Errorf("tcppacket: buffer too short for an IP header: %d bytes", len(raw))
	}
	parsed := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := parsed.Layer(layers.LayerTypeIPv4)
	tcpLayer := parsed.Layer(layers.LayerTypeTCP)
	if ipLayer == nil {
		return nil, fmt.Errorf("tcppacket: not an IPv4 packet")
	}
	if tcpLayer == nil {
		return nil, fmt.Errorf("tcppacket: not a TCP segment")
	}
	ip := ipLayer.(*layers.IPv4)
	tcp := tcpLayer.(*layers.TCP)

	ihl := int(ip.IHL) * 4
	toff := int(tcp.DataOffset) * 4
	if ihl < 20 || toff < 20 || ihl+toff > len(raw) {
		return nil, fmt.Errorf("tcppacket: malformed header offsets (ihl=%d tcpoff=%d len=%d)", ihl, toff, len(raw))
	}

	return &Packet{
		raw:           raw,
		ipHeaderLen:   ihl,
		tcpHeaderLen:  toff,
		contentOffset: ihl + toff,
	}, nil
}

// Clone returns an independent, exclusively-owned copy of the packet. This
// is the Go equivalent of Click's Packet::uniqueify: TCP-In performs it
// before any byte-level mutation so that a shared/aliased buffer is never
// edited in place.
func (p *Packet) Clone() *Packet {
	cp := make([]byte, len(p.raw))
	copy(cp, p.raw)
	return &Packet{
		raw:           cp,
		ipHeaderLen:   p.ipHeaderLen,
		tcpHeaderLen:  p.tcpHeaderLen,
		contentOffset: p.contentOffset,
		dirty:         p.dirty,
	}
}

// Data returns the raw bytes of the packet (IP header through payload). The
// caller must not retain a mutable alias across a RemoveBytes/InsertBytes
// call, since those may reallocate the backing array.
func (p *Packet) Data() []byte { return p.raw }

// Length returns the total length of the packet in bytes.
func (p *Packet) Length() int { return len(p.raw) }

func (p *Packet) tcpHeader() []byte { return p.raw[p.ipHeaderLen : p.ipHeaderLen+p.tcpHeaderLen] }

// SequenceNumber returns the TCP sequence number.
func (p *Packet) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(p.tcpHeader()[4:8])
}

// SetSequenceNumber rewrites the TCP sequence number in place.
func (p *Packet) SetSequenceNumber(seq uint32) {
	binary.BigEndian.PutUint32(p.tcpHeader()[4:8], seq)
}

// AckNumber returns the TCP acknowledgment number.
func (p *Packet) AckNumber() uint32 {
	return binary.BigEndian.Uint32(p.tcpHeader()[8:12])
}

// SetAckNumber rewrites the TCP acknowledgment number in place.
func (p *Packet) SetAckNumber(ack uint32) {
	binary.BigEndian.PutUint32(p.tcpHeader()[8:12], ack)
}

// Flags returns the raw TCP flag byte.
func (p *Packet) Flags() uint8 { return p.tcpHeader()[13] }

func (p *Packet) checkFlag(flag uint8) bool { return p.Flags()&flag != 0 }

// OrFlags sets additional flag bits without clearing any already set - used
// when closing a connection to turn a data or ACK segment into a FIN or RST.
func (p *Packet) OrFlags(flags uint8) {
	header := p.tcpHeader()
	header[13] |= flags
}

// IsSYN reports whether the SYN flag is set.
func (p *Packet) IsSYN() bool { return p.checkFlag(FlagSYN) }

// IsFIN reports whether the FIN flag is set.
func (p *Packet) IsFIN() bool { return p.checkFlag(FlagFIN) }

// IsRST reports whether the RST flag is set.
func (p *Packet) IsRST() bool { return p.checkFlag(FlagRST) }

// IsACK reports whether the ACK flag is set.
func (p *Packet) IsACK() bool { return p.checkFlag(FlagACK) }

// IsJustAnAck reports whether the packet carries no payload and no flag
// other than ACK - i.e. it conveys no information beyond acknowledgment.
func (p *Packet) IsJustAnAck() bool {
	if p.PayloadLength() > 0 {
		return false
	}
	return p.Flags() == FlagACK
}

// SourcePort returns the TCP source port.
func (p *Packet) SourcePort() uint16 { return binary.BigEndian.Uint16(p.tcpHeader()[0:2]) }

// DestinationPort returns the TCP destination port.
func (p *Packet) DestinationPort() uint16 { return binary.BigEndian.Uint16(p.tcpHeader()[2:4]) }

// SourceIP returns the IPv4 source address.
func (p *Packet) SourceIP() net.IP { return net.IP(p.raw[12:16]) }

// DestinationIP returns the IPv4 destination address.
func (p *Packet) DestinationIP() net.IP { return net.IP(p.raw[16:20]) }

// PayloadLength returns the number of TCP payload bytes.
func (p *Packet) PayloadLength() int {
	return len(p.raw) - p.contentOffset
}

// Payload returns the TCP application payload.
func (p *Packet) Payload() []byte {
	return p.raw[p.contentOffset:]
}

// NextSequenceNumber returns the sequence number the peer expects for the
// segment that follows this one - the payload length, plus one for a SYN or
// FIN, since those consume a sequence slot.
func (p *Packet) NextSequenceNumber() uint32 {
	next := p.SequenceNumber() + uint32(p.PayloadLength())
	if p.IsFIN() || p.IsSYN() {
		next++
	}
	return next
}

// ContentOffset returns the byte offset of the first payload byte, as set
// by Decode from the IP and TCP header lengths.
func (p *Packet) ContentOffset() int { return p.contentOffset }

// SetContentOffset overrides the content-offset annotation that Decode set.
func (p *Packet) SetContentOffset(offset int) { p.contentOffset = offset }

// Dirty reports whether the packet has been annotated for checksum
// recomputation.
func (p *Packet) Dirty() bool { return p.dirty }

// SetDirty sets the dirty annotation.
func (p *Packet) SetDirty(dirty bool) { p.dirty = dirty }

// RemoveBytes deletes length bytes at the given absolute offset (relative to
// the start of the packet, header included) and shrinks the packet in
// place, mirroring Click's memmove-then-take.
func (p *Packet) RemoveBytes(absolutePosition, length int) {
	source := p.raw
	bytesAfter := len(source) - absolutePosition - length
	copy(source[absolutePosition:], source[absolutePosition+length:absolutePosition+length+bytesAfter])
	p.raw = source[:len(source)-length]
	p.adjustIPTotalLength(-length)
}

// InsertBytes grows the packet by length bytes at the given absolute
// position, leaving the new range zeroed for the caller to fill, mirroring
// Click's put-then-memmove. The packet's backing buffer is always
// reallocated, so any slice previously taken from Data or Payload no
// longer refers to the packet.
func (p *Packet) InsertBytes(absolutePosition, length int) {
	grown := make([]byte, len(p.raw)+length)
	copy(grown, p.raw[:absolutePosition])
	copy(grown[absolutePosition+length:], p.raw[absolutePosition:])
	p.raw = grown
	p.adjustIPTotalLength(length)
}

func (p *Packet) adjustIPTotalLength(delta int) {
	cur := binary.BigEndian.Uint16(p.raw[2:4])
	binary.BigEndian.PutUint16(p.raw[2:4], uint16(int(cur)+delta))
}

// RecomputeChecksum rewrites the IPv4 and TCP checksums from the packet's
// current bytes. TCP-Out calls this only when the dirty annotation is set,
// standing in for the checksum-offload path the spec treats as an external
// concern when hardware offload is available.
func (p *Packet) RecomputeChecksum() error {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      uint8(p.ipHeaderLen / 4),
		TOS:      p.raw[1],
		Length:   uint16(len(p.raw)),
		Id:       binary.BigEndian.Uint16(p.raw[4:6]),
		TTL:      p.raw[8],
		Protocol: layers.IPProtocolTCP,
		SrcIP:    p.SourceIP(),
		DstIP:    p.DestinationIP(),
	}
	tcpHeader := p.tcpHeader()
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(p.SourcePort()),
		DstPort:    layers.TCPPort(p.DestinationPort()),
		Seq:        p.SequenceNumber(),
		Ack:        p.AckNumber(),
		DataOffset: uint8(p.tcpHeaderLen / 4),
		FIN:        p.checkFlag(FlagFIN),
		SYN:        p.checkFlag(FlagSYN),
		RST:        p.checkFlag(FlagRST),
		PSH:        p.checkFlag(FlagPSH),
		ACK:        p.checkFlag(FlagACK),
		URG:        p.checkFlag(FlagURG),
		Window:     binary.BigEndian.Uint16(tcpHeader[14:16]),
		Urgent:     binary.BigEndian.Uint16(tcpHeader[18:20]),
	}
	if p.tcpHeaderLen > 20 {
		if err := tcp.DecodeFromBytes(tcpHeader, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("tcppacket: decode tcp options: %w", err)
		}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("tcppacket: set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(p.Payload())); err != nil {
		return fmt.Errorf("tcppacket: serialize: %w", err)
	}

	p.raw = append([]byte(nil), buf.Bytes()...)
	p.ipHeaderLen = int(ip.IHL) * 4
	p.contentOffset = p.ipHeaderLen + p.tcpHeaderLen
	p.dirty = false
	return nil
}

// Build assembles a fresh IPv4/TCP segment (no options) with the given
// fields and payload, computing valid checksums. It backs ACK/RST/FIN
// crafting in TCP-Out (SendAck, SendClosingPacket) and is convenient for
// tests that assert on the literal scenarios in the spec.
func Build(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) (*Packet, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(srcPort),
		DstPort:    layers.TCPPort(dstPort),
		Seq:        seq,
		Ack:        ack,
		DataOffset: 5,
		Window:     window,
		FIN:        flags&FlagFIN != 0,
		SYN:        flags&FlagSYN != 0,
		RST:        flags&FlagRST != 0,
		PSH:        flags&FlagPSH != 0,
		ACK:        flags&FlagACK != 0,
		URG:        flags&FlagURG != 0,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("tcppacket: set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("tcppacket: serialize: %w", err)
	}

	return Decode(append([]byte(nil), buf.Bytes()...))
}
