// Command quic bundles small operational tools for the transport engine:
// key generation for token and reset secrets, a deterministic loopback
// simulation that drives a client and server against each other entirely
// in memory, and a datagram header inspector.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/bridgefall/quic"
	"github.com/bridgefall/quic/commons/config"
	"github.com/bridgefall/quic/commons/logger"
	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/handshake/handshaketest"
	"github.com/bridgefall/quic/packet"
	"github.com/bridgefall/quic/stream"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "sim":
		runSim(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: quic <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen   Generate token and reset keys")
	fmt.Fprintln(os.Stderr, "  sim      Run an in-memory client/server echo simulation")
	fmt.Fprintln(os.Stderr, "  inspect  Decode datagram headers from hex input")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  quic keygen")
	fmt.Fprintln(os.Stderr, "  quic sim -payload 65536 -retry")
	fmt.Fprintln(os.Stderr, "  quic sim -config sim.json")
	fmt.Fprintln(os.Stderr, "  quic inspect < datagram.hex")
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)

	var tokenKey, resetKey [32]byte
	if _, err := rand.Read(tokenKey[:]); err != nil {
		fatalf("keygen failed: %v", err)
	}
	if _, err := rand.Read(resetKey[:]); err != nil {
		fatalf("keygen failed: %v", err)
	}
	fmt.Printf("token_key=%s\n", base64.StdEncoding.EncodeToString(tokenKey[:]))
	fmt.Printf("reset_key=%s\n", base64.StdEncoding.EncodeToString(resetKey[:]))
}

// simSettings is the JSON shape accepted by sim -config.
type simSettings struct {
	LogLevel     string          `json:"log_level"`
	IdleTimeout  config.Duration `json:"idle_timeout"`
	StreamWindow uint64          `json:"stream_window"`
	ConnWindow   uint64          `json:"conn_window"`
	MaxStreams   uint64          `json:"max_streams"`
	RequireRetry bool            `json:"require_retry"`
	PayloadBytes int             `json:"payload_bytes"`
	Suite        string          `json:"suite"`
}

func defaultSimSettings() simSettings {
	return simSettings{
		LogLevel:     "info",
		IdleTimeout:  config.Duration{Duration: 30 * time.Second},
		PayloadBytes: 16 << 10,
		Suite:        "aes",
	}
}

func runSim(args []string) {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON settings file")
	payload := fs.Int("payload", 0, "echo payload size in bytes")
	retry := fs.Bool("retry", false, "force Retry address validation")
	level := fs.String("level", "", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	settings := defaultSimSettings()
	if *cfgPath != "" {
		if err := config.LoadJSONFile(*cfgPath, &settings); err != nil {
			fatalf("sim: %v", err)
		}
	}
	if *payload > 0 {
		settings.PayloadBytes = *payload
	}
	if *retry {
		settings.RequireRetry = true
	}
	if *level != "" {
		settings.LogLevel = *level
	}
	logger.Setup(settings.LogLevel)

	suite := handshake.SuiteAES128GCM
	switch settings.Suite {
	case "", "aes":
	case "chacha":
		suite = handshake.SuiteChaCha20Poly1305
	default:
		fatalf("sim: unknown suite %q", settings.Suite)
	}

	cfg := quic.Config{
		NewHandshake: func(isClient bool) handshake.Adapter {
			return handshaketest.New(isClient, suite)
		},
		MaxIdleTimeout: settings.IdleTimeout.Duration,
		StreamWindow:   settings.StreamWindow,
		ConnWindow:     settings.ConnWindow,
		MaxStreamsBidi: settings.MaxStreams,
		RequireRetry:   settings.RequireRetry,
	}

	result, err := runLoopback(cfg, settings.PayloadBytes)
	if err != nil {
		fatalf("sim: %v", err)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatalf("sim: %v", err)
	}
	if err := writeOutput("", out); err != nil {
		fatalf("sim write: %v", err)
	}
}

type simResult struct {
	HandshakeOK  bool       `json:"handshake_ok"`
	EchoOK       bool       `json:"echo_ok"`
	PayloadBytes int        `json:"payload_bytes"`
	VirtualTime  string     `json:"virtual_time"`
	Client       quic.Stats `json:"client"`
	Server       quic.Stats `json:"server"`
}

// runLoopback drives a client connection and a server endpoint against
// each other on a virtual clock, echoing one stream's payload. Datagrams
// never touch a socket; the loop moves bytes between the two directly.
func runLoopback(cfg quic.Config, payloadBytes int) (*simResult, error) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	clientAddr := netip.MustParseAddrPort("192.0.2.1:40000")

	server, err := quic.NewEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	client, err := quic.NewClient(cfg, now)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadBytes)
	if _, err := rand.Read(payload); err != nil {
		return nil, err
	}

	var (
		serverConn *quic.Connection
		streamID   uint64
		opened     bool
		sent       int
		closed     bool
		echoed     []byte
		readBuf    = make([]byte, 32<<10)
	)

	for iter := 0; iter < 10000; iter++ {
		moved := false
		for {
			dg := client.PollDatagram(now)
			if dg == nil {
				break
			}
			moved = true
			conn, resp := server.HandleDatagram(now, dg, clientAddr)
			if conn != nil {
				serverConn = conn
			}
			if resp != nil {
				client.HandleDatagram(now, resp)
			}
		}
		if serverConn != nil {
			for {
				dg := serverConn.PollDatagram(now)
				if dg == nil {
					break
				}
				moved = true
				client.HandleDatagram(now, dg)
			}
		}

		// Application logic on the client side.
		if client.HandshakeComplete() && !opened {
			streamID, err = client.OpenStream(true)
			if err != nil {
				return nil, err
			}
			opened = true
		}
		if opened && sent < len(payload) {
			n, err := client.StreamWrite(streamID, payload[sent:])
			if err != nil && err != stream.ErrWouldBlock {
				return nil, err
			}
			sent += n
			if sent == len(payload) {
				if err := client.StreamClose(streamID); err != nil {
					return nil, err
				}
			}
		}
		for {
			ev, ok := client.PollEvent()
			if !ok {
				break
			}
			if ev.Kind == quic.EventStreamReadable {
				for {
					n, err := client.StreamRead(ev.StreamID, readBuf)
					echoed = append(echoed, readBuf[:n]...)
					if err != nil {
						break
					}
				}
			}
		}

		// Echo on the server side.
		if serverConn != nil {
			for {
				ev, ok := serverConn.PollEvent()
				if !ok {
					break
				}
				if ev.Kind != quic.EventStreamReadable && ev.Kind != quic.EventStreamOpened {
					continue
				}
				for {
					n, err := serverConn.StreamRead(ev.StreamID, readBuf)
					if n > 0 {
						if _, werr := serverConn.StreamWrite(ev.StreamID, readBuf[:n]); werr != nil {
							return nil, werr
						}
					}
					if err == stream.ErrFinished {
						if cerr := serverConn.StreamClose(ev.StreamID); cerr != nil {
							return nil, cerr
						}
						break
					}
					if err != nil {
						break
					}
				}
			}
		}

		if len(echoed) == len(payload) && !closed {
			client.Close(0, "done")
			closed = true
		}
		if closed && !moved {
			break
		}
		if moved {
			continue
		}

		// Nothing in flight: jump the virtual clock to the next deadline.
		next := client.NextTimeout()
		if serverConn != nil {
			if st := serverConn.NextTimeout(); !st.IsZero() && (next.IsZero() || st.Before(next)) {
				next = st
			}
		}
		if next.IsZero() {
			break
		}
		if next.After(now) {
			now = next
		} else {
			now = now.Add(time.Millisecond)
		}
		client.OnTimeout(now)
		if serverConn != nil {
			serverConn.OnTimeout(now)
		}
	}

	result := &simResult{
		HandshakeOK:  client.HandshakeComplete(),
		EchoOK:       string(echoed) == string(payload),
		PayloadBytes: payloadBytes,
		VirtualTime:  now.Sub(start).String(),
		Client:       client.StatsSnapshot(),
	}
	if serverConn != nil {
		result.Server = serverConn.StatsSnapshot()
	}
	return result, nil
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	cidLen := fs.Int("cid-len", 8, "connection ID length for short headers")
	_ = fs.Parse(args)

	raw, err := readInput(*inPath)
	if err != nil {
		fatalf("inspect read input: %v", err)
	}
	datagram, err := hex.DecodeString(stripWhitespace(string(raw)))
	if err != nil {
		fatalf("inspect decode hex: %v", err)
	}

	rest := datagram
	for i := 0; len(rest) > 0; i++ {
		hdr, pnOffset, packetLen, err := packet.ParseHeader(rest, *cidLen)
		if err != nil {
			fatalf("inspect packet %d: %v", i, err)
		}
		fmt.Printf("packet %d: type=%s", i, hdr.Type)
		if hdr.Type != packet.TypeOneRTT {
			fmt.Printf(" version=%#x", hdr.Version)
		}
		fmt.Printf(" dcid=%x", hdr.DestCID)
		if packet.IsLong(rest[0]) {
			fmt.Printf(" scid=%x", hdr.SrcCID)
		}
		if len(hdr.Token) > 0 {
			fmt.Printf(" token=%dB", len(hdr.Token))
		}
		fmt.Printf(" pn_offset=%d len=%d\n", pnOffset, packetLen)
		if hdr.Type == packet.TypeOneRTT || hdr.Type == packet.TypeRetry ||
			hdr.Type == packet.TypeVersionNegotiation {
			break
		}
		rest = rest[packetLen:]
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func stripWhitespace(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch r {
		case ' ', '\n', '\r', '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
