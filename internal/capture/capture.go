package capture

// Offline pcap audit of proxied Modbus traffic. Frames are wrapped in
// synthetic Ethernet/IP/TCP headers built from the real socket addresses so
// the file opens in Wireshark with the Modbus/TCP dissector.

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65535

// Writer appends packets to a pcap file. It is safe for concurrent use by
// many sessions.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	writer  *pcapgo.Writer
	packets int
	now     func() time.Time
}

// Create creates (or truncates) path and writes the pcap file header.
func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{file: file, writer: writer, now: time.Now}, nil
}

// Flow returns a recorder for one TCP connection, where client is the
// connecting side and server the accepting side. A nil Writer yields a nil
// Flow whose methods do nothing.
func (w *Writer) Flow(client, server net.Addr) *Flow {
	if w == nil {
		return nil
	}
	cIP, cPort := splitAddr(client)
	sIP, sPort := splitAddr(server)
	return &Flow{
		w:          w,
		clientIP:   cIP,
		clientPort: cPort,
		serverIP:   sIP,
		serverPort: sPort,
		clientSeq:  1,
		serverSeq:  1,
	}
}

// PacketCount returns the number of packets written so far.
func (w *Writer) PacketCount() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Close flushes and closes the file (idempotent)
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.writer = nil
	return err
}

func (w *Writer) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return fmt.Errorf("pcap writer closed")
	}
	if err := w.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	w.packets++
	return nil
}

// Flow tracks sequence numbers for one recorded TCP connection. A Flow is
// used by a single session goroutine.
type Flow struct {
	w          *Writer
	clientIP   net.IP
	clientPort uint16
	serverIP   net.IP
	serverPort uint16
	clientSeq  uint32
	serverSeq  uint32
}

// Request records payload sent from the client side to the server side.
func (f *Flow) Request(payload []byte) error {
	if f == nil {
		return nil
	}
	data, err := f.serialize(true, payload)
	if err != nil {
		return err
	}
	f.clientSeq += uint32(len(payload))
	return f.w.write(data)
}

// Response records payload sent from the server side to the client side.
func (f *Flow) Response(payload []byte) error {
	if f == nil {
		return nil
	}
	data, err := f.serialize(false, payload)
	if err != nil {
		return err
	}
	f.serverSeq += uint32(len(payload))
	return f.w.write(data)
}

func (f *Flow) serialize(fromClient bool, payload []byte) ([]byte, error) {
	srcIP, dstIP := f.clientIP, f.serverIP
	srcPort, dstPort := f.clientPort, f.serverPort
	seq, ack := f.clientSeq, f.serverSeq
	if !fromClient {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
		seq, ack = ack, seq
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		ACK:     true,
		PSH:     true,
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
	}

	var network gopacket.SerializableLayer
	ethernet := &layers.Ethernet{
		SrcMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
	if srcIP.To4() != nil && dstIP.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    srcIP.To4(),
			DstIP:    dstIP.To4(),
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		ethernet.EthernetType = layers.EthernetTypeIPv4
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		ethernet.EthernetType = layers.EthernetTypeIPv6
		network = ip
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, network, tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return buffer.Bytes(), nil
}

// splitAddr extracts an IP and port, falling back to 0.0.0.0:0 for
// non-TCP addresses such as in-memory pipes.
func splitAddr(addr net.Addr) (net.IP, uint16) {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP != nil {
		return tcp.IP, uint16(tcp.Port)
	}
	if addr != nil {
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				p, _ := strconv.ParseUint(port, 10, 16)
				return ip, uint16(p)
			}
		}
	}
	return net.IPv4zero, 0
}
