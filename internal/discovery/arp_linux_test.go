//go:build linux

package discovery

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestARPRequestFrame(t *testing.T) {
	self := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10}
	frame, err := arpRequest(self, net.ParseIP("192.168.1.10"), net.ParseIP("192.168.1.20"))
	require.NoError(t, err)

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, ethBroadcast, eth.DstMAC)
	arp := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, net.IP{192, 168, 1, 20}, net.IP(arp.DstProtAddress))

	// A request is never taken for a reply.
	_, ok := parseARPReply(frame, net.ParseIP("192.168.1.10"))
	assert.False(t, ok)
}

func TestParseARPReply(t *testing.T) {
	self := net.ParseIP("192.168.1.10").To4()
	peer := net.HardwareAddr{0x3c, 0x22, 0xfb, 1, 2, 3}
	reply := func(dst net.IP) []byte {
		eth := &layers.Ethernet{SrcMAC: peer, DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10}, EthernetType: layers.EthernetTypeARP}
		arp := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   peer,
			SourceProtAddress: net.IP{192, 168, 1, 20},
			DstHwAddress:      []byte{0x02, 0, 0, 0, 0, 0x10},
			DstProtAddress:    dst,
		}
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))
		return buf.Bytes()
	}

	nb, ok := parseARPReply(reply(self), self)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20", nb.IP.String())
	assert.Equal(t, peer.String(), nb.MAC.String())

	_, ok = parseARPReply(reply(net.IP{192, 168, 1, 99}), self)
	assert.False(t, ok)
	_, ok = parseARPReply([]byte{1, 2, 3}, self)
	assert.False(t, ok)
}
