package overlay

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mtlsConfigs returns one mTLS config per node name, all trusting the
// same throwaway CA.
func mtlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err, "failed to parse CA")

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	confs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err, "failed to parse leaf %s", name)

		confs = append(confs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
			MinVersion: tls.VersionTLS13,
		})
	}
	return confs
}

// exerciseTransport checks that frames travel both ways between a
// listener of server and a stream dialed by client.
func exerciseTransport(t *testing.T, server, client Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := server.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := wire.AddrFromNet(ln.Addr())
	require.NoError(t, err)

	type dialed struct {
		conn net.Conn
		err  error
	}
	dialCh := make(chan dialed, 1)
	go func() {
		conn, err := client.Dial(ctx, addr)
		dialCh <- dialed{conn, err}
	}()

	accepted, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer accepted.Close()

	// TLS handshakes complete only once the accepted side reads.
	type read struct {
		frame wire.Frame
		err   error
	}
	readCh := make(chan read, 1)
	go func() {
		frame, err := wire.ReadFrame(bufio.NewReader(accepted))
		readCh <- read{frame, err}
	}()

	var out dialed
	select {
	case out = <-dialCh:
	case <-ctx.Done():
		t.Fatal("timed out dialing")
	}
	require.NoError(t, out.err)
	defer out.conn.Close()

	require.NoError(t, wire.WriteFrame(out.conn, wire.AddrsMessage{Addrs: []wire.Addr{addr}}))

	var in read
	select {
	case in = <-readCh:
	case <-ctx.Done():
		t.Fatal("timed out reading")
	}
	require.NoError(t, in.err)
	got, err := wire.DecodeAddrsMessage(in.frame.Payload)
	require.NoError(t, err)
	require.Equal(t, []wire.Addr{addr}, got.Addrs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- wire.WriteFrame(accepted, wire.PongMessage{Nonce: 99})
	}()
	frame, err := wire.ReadFrame(bufio.NewReader(out.conn))
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, wire.CommandPong, frame.Command)

	require.NoError(t, ln.Close())
	_, err = ln.Accept(ctx)
	require.ErrorIs(t, err, ErrListenerClosed)
}

func TestTCPTransport(t *testing.T) {
	tr := &TCPTransport{}
	require.Equal(t, TransportTCP, tr.Name())
	exerciseTransport(t, tr, tr)
}

func TestTCPTransport_MutualTLS(t *testing.T) {
	confs := mtlsConfigs(t, "node1", "node2")
	server := &TCPTransport{TlsConfig: confs[0]}
	client := &TCPTransport{TlsConfig: confs[1]}
	require.Equal(t, "tls", server.Name())
	exerciseTransport(t, server, client)
}

func TestQUICTransport(t *testing.T) {
	confs := mtlsConfigs(t, "node1", "node2")
	server := &QUICTransport{TlsConfig: confs[0], Logger: testTelemetry("node1").logger}
	client := &QUICTransport{TlsConfig: confs[1], Logger: testTelemetry("node2").logger}
	exerciseTransport(t, server, client)
}

func TestQUICTransport_InvalidPreface(t *testing.T) {
	confs := mtlsConfigs(t, "node1", "node2")
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	server := &QUICTransport{
		TlsConfig:     confs[0],
		StreamTimeout: 2 * time.Second,
		Logger:        testTelemetry("node1").logger,
		MetricSink:    sink,
		MetricLabels:  []metrics.Label{{Name: "node", Value: "node1"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := server.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientConf := confs[1].Clone()
	clientConf.NextProtos = []string{quicALPN}
	conn, err := quic.DialAddr(ctx, ln.Addr().String(), clientConf, nil)
	require.NoError(t, err)
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte{0x00})
	require.NoError(t, err)

	select {
	case <-conn.Context().Done():
	case <-ctx.Done():
		t.Fatal("the connection was not closed by the listener")
	}

	require.Eventually(t, func() bool {
		return counterTotal(sink, "overlay.quic.stream.error.count") == 1
	}, 5*time.Second, 10*time.Millisecond)

	actx, acancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer acancel()
	_, err = ln.Accept(actx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "the connection must not be handed out")
}

func TestQUICTransport_RequiresTLS(t *testing.T) {
	_, err := (&QUICTransport{}).Listen(context.Background(), "127.0.0.1:0")
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(WithTransportName(TransportQUIC))
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestTCPListener_AcceptCancel(t *testing.T) {
	ln, err := (&TCPTransport{}).Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the listener is still usable afterwards
	addr, err := wire.AddrFromNet(ln.Addr())
	require.NoError(t, err)
	go func() {
		conn, err := net.Dial("tcp", addr.String())
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()
	conn, err := ln.Accept(context.Background())
	require.NoError(t, err)
	conn.Close()
}
