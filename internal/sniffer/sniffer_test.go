package sniffer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// buildFrame serializes an Ethernet/IPv4/TCP frame carrying payload
func buildFrame(t *testing.T, dstPort layers.TCPPort, payload string, udp bool) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(195, 24, 232, 205),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if udp {
		ip.Protocol = layers.IPProtocolUDP
		u := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
		if err := u.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		err = gopacket.SerializeLayers(buf, opts, eth, ip, u, gopacket.Payload(payload))
	} else {
		tcp := &layers.TCP{SrcPort: 40000, DstPort: dstPort, Seq: 1, ACK: true, PSH: true, Window: 502}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload))
	}
	if err != nil {
		t.Fatalf("failed to serialize frame: %v", err)
	}
	return buf.Bytes()
}

const nowPlayingBody = "method=track.updateNowPlaying&artist=Boards+of+Canada&track=Roygbiv&api_key=k&sk=s"

func httpPost(host, path, body string, contentLength int) string {
	return "POST " + path + " HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: " + strconv.Itoa(contentLength) + "\r\n" +
		"\r\n" + body
}

func TestHandleFrame(t *testing.T) {
	tests := []struct {
		name       string
		frame      func(t *testing.T) []byte
		expectOK   bool
		expectHost string
		expectPath string
	}{
		{
			name: "Last.fm Now Playing",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, httpPost("ws.audioscrobbler.com", "/2.0/", nowPlayingBody, len(nowPlayingBody)), false)
			},
			expectOK:   true,
			expectHost: "ws.audioscrobbler.com",
			expectPath: "/2.0/",
		},
		{
			name: "Host With Port And Mixed Case",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, httpPost("Turtle.Libre.fm:80", "/np_1.2", "s=x&a=A&t=T", 11), false)
			},
			expectOK:   true,
			expectHost: "turtle.libre.fm",
			expectPath: "/np_1.2",
		},
		{
			name: "Unknown Host",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, httpPost("example.com", "/2.0/", nowPlayingBody, len(nowPlayingBody)), false)
			},
		},
		{
			name: "GET Request",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, "GET /2.0/ HTTP/1.1\r\nHost: ws.audioscrobbler.com\r\n\r\n", false)
			},
		},
		{
			name: "Body Continues In Next Segment",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, httpPost("ws.audioscrobbler.com", "/2.0/", nowPlayingBody[:20], len(nowPlayingBody)), false)
			},
		},
		{
			name: "Not TCP",
			frame: func(t *testing.T) []byte {
				return buildFrame(t, 80, httpPost("ws.audioscrobbler.com", "/2.0/", nowPlayingBody, len(nowPlayingBody)), true)
			},
		},
		{
			name: "Garbage",
			frame: func(t *testing.T) []byte {
				return []byte{0xde, 0xad, 0xbe, 0xef}
			},
		},
	}

	s := NewSniffer(zap.NewNop(), Config{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, ok := s.handleFrame(tt.frame(t))
			if ok != tt.expectOK {
				t.Fatalf("expected ok=%v, got %v (payload %+v)", tt.expectOK, ok, payload)
			}
			if !ok {
				return
			}
			if payload.Host != tt.expectHost {
				t.Errorf("Host: expected %s, got %s", tt.expectHost, payload.Host)
			}
			if payload.Path != tt.expectPath {
				t.Errorf("Path: expected %s, got %s", tt.expectPath, payload.Path)
			}
			if len(payload.Body) == 0 {
				t.Error("expected a non-empty body")
			}
		})
	}
}

func TestHandleFrame_CustomHosts(t *testing.T) {
	s := NewSniffer(zap.NewNop(), Config{Hosts: []string{"scrobbler.local"}})
	frame := buildFrame(t, 8080, httpPost("scrobbler.local:8080", "/submit", "a=b", 3), false)

	payload, ok := s.handleFrame(frame)
	if !ok {
		t.Fatal("expected the custom host to match")
	}
	if string(payload.Body) != "a=b" {
		t.Errorf("Body: expected a=b, got %q", payload.Body)
	}

	if _, ok := s.handleFrame(buildFrame(t, 80, httpPost("ws.audioscrobbler.com", "/2.0/", "a=b", 3), false)); ok {
		t.Error("default hosts must not apply when hosts are configured")
	}
}

func TestEmit(t *testing.T) {
	s := NewSniffer(zap.NewNop(), Config{})
	out := make(chan domain.RawObservation, 1)

	s.emit(context.Background(), out, domain.ScrobblePayload{Host: "ws.audioscrobbler.com"})

	select {
	case obs := <-out:
		if obs.SourceID != "sniffer" || obs.Kind != domain.KindSniffer {
			t.Errorf("unexpected observation identity: %s/%s", obs.SourceID, obs.Kind)
		}
		if _, ok := obs.Payload.(domain.ScrobblePayload); !ok {
			t.Errorf("expected ScrobblePayload, got %T", obs.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("observation not emitted")
	}
}
