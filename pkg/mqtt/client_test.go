package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchUsesCurrentHandler(t *testing.T) {
	c, err := New(Options{BrokerURL: "tcp://127.0.0.1:1883"}, testLogger())
	require.NoError(t, err)

	// No handler yet: dropped without panicking.
	c.dispatch("homeassistant/status", []byte("online"))

	var gotTopic, gotPayload string
	c.OnMessage(func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, string(payload)
	})
	c.dispatch("homeassistant/status", []byte("online"))
	assert.Equal(t, "homeassistant/status", gotTopic)
	assert.Equal(t, "online", gotPayload)
}

func TestNewRejectsBadProxy(t *testing.T) {
	_, err := New(Options{BrokerURL: "tcp://127.0.0.1:1883", ProxyURL: "http://proxy:3128"}, testLogger())
	assert.Error(t, err)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New(Options{BrokerURL: "tcp://" + addr, Timeout: 5 * time.Second}, testLogger())
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrBus)
}

// startSocks runs a SOCKS5 server that accepts one no-auth CONNECT, reports
// the requested target and then keeps the tunnel open without relaying.
func startSocks(t *testing.T) (addr string, targets <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		ln.Close()
	})

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 262)
		// greeting: VER NMETHODS METHODS...
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, buf[:buf[1]]); err != nil {
			return
		}
		_, _ = conn.Write([]byte{5, 0})
		// request: VER CMD RSV ATYP
		if _, err := io.ReadFull(conn, buf[:4]); err != nil {
			return
		}
		var host string
		switch buf[3] {
		case 1:
			_, _ = io.ReadFull(conn, buf[:4])
			host = net.IP(buf[:4]).String()
		case 3:
			_, _ = io.ReadFull(conn, buf[:1])
			n := int(buf[0])
			_, _ = io.ReadFull(conn, buf[:n])
			host = string(buf[:n])
		}
		_, _ = io.ReadFull(conn, buf[:2])
		port := int(buf[0])<<8 | int(buf[1])
		ch <- net.JoinHostPort(host, strconv.Itoa(port))
		_, _ = conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
		<-release
	}()
	return ln.Addr().String(), ch
}

func TestProxyOpenerDialsThroughProxy(t *testing.T) {
	addr, targets := startSocks(t)
	open, err := proxyOpener("socks5://"+addr, 5*time.Second)
	require.NoError(t, err)

	uri, _ := url.Parse("tcp://broker.example:1883")
	conn, err := open(uri, paho.ClientOptions{})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case target := <-targets:
		assert.Equal(t, "broker.example:1883", target)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy never saw a CONNECT")
	}
}

func TestProxyOpenerTLSHandshakeTimesOut(t *testing.T) {
	addr, _ := startSocks(t)
	open, err := proxyOpener("socks5://"+addr, 200*time.Millisecond)
	require.NoError(t, err)

	uri, _ := url.Parse("ssl://broker.example:8883")
	done := make(chan error, 1)
	go func() {
		_, err := open(uri, paho.ClientOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("TLS handshake through a silent tunnel did not time out")
	}
}

func TestProxyOpenerRejectsWebsocket(t *testing.T) {
	open, err := proxyOpener("socks5://127.0.0.1:1080", time.Second)
	require.NoError(t, err)
	uri, _ := url.Parse("ws://broker.example:9001/mqtt")
	_, err = open(uri, paho.ClientOptions{})
	assert.ErrorContains(t, err, "not supported")
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool { return true }

func (t doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Error() error { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeSession struct {
	mu         sync.Mutex
	subscribed []string
}

func (s *fakeSession) Connect() paho.Token { return doneToken{} }

func (s *fakeSession) Publish(string, byte, bool, interface{}) paho.Token { return doneToken{} }

func (s *fakeSession) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	s.mu.Lock()
	s.subscribed = append(s.subscribed, topic)
	s.mu.Unlock()
	return doneToken{}
}

func (s *fakeSession) Disconnect(uint) {}

func (s *fakeSession) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	c, err := New(Options{BrokerURL: "tcp://127.0.0.1:1883"}, testLogger())
	require.NoError(t, err)
	fake := &fakeSession{}
	c.client = fake

	// First connect: nothing subscribed yet, nothing to restore.
	require.NoError(t, c.Connect(context.Background()))
	c.resubscribe()
	assert.Empty(t, fake.topics())

	require.NoError(t, c.Subscribe(context.Background(), "homeassistant/status"))
	assert.Equal(t, []string{"homeassistant/status"}, fake.topics())

	// Reconnect.
	c.resubscribe()
	assert.Equal(t, []string{"homeassistant/status", "homeassistant/status"}, fake.topics())
}

func TestFailedSubscribeIsNotRestored(t *testing.T) {
	c, err := New(Options{BrokerURL: "tcp://127.0.0.1:1883"}, testLogger())
	require.NoError(t, err)
	failing := &failingSession{}
	c.client = failing

	err = c.Subscribe(context.Background(), "homeassistant/status")
	require.ErrorIs(t, err, ErrBus)
	assert.Empty(t, c.subscriptions())
}

type failingSession struct{ fakeSession }

func (s *failingSession) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return doneToken{err: errors.New("not connected")}
}
